package store

import (
	"context"
	"encoding/json"
	"time"

	"ticketing/scanner-service/internal/models"
)

type ScanInput struct {
	Code      string
	Result    string
	ScannedAt time.Time
}

type SyncInput struct {
	Device     models.Device
	Scans      []ScanInput
	ReceivedAt time.Time
}

type SyncResult struct {
	Received []string
	Admitted int
	Logged   int
}

type OverrideInput struct {
	Code       string
	Status     models.TicketStatus
	Actor      string
	OccurredAt time.Time
}

type OutboxEvent struct {
	EventID      int64           `json:"event_id"`
	Type         string          `json:"type"`
	AggregateKey string          `json:"aggregate_key"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

const (
	EventTicketUsed          = "ticket.used"
	EventTicketStatusChanged = "ticket.status_changed"
)

// ScannerStore is everything the scanner and dashboard endpoints need from
// the Ticket Directory and the Scan Log.
type ScannerStore interface {
	ListCatalog(ctx context.Context, cutoff time.Time) ([]models.Event, error)
	GetFunction(ctx context.Context, functionID int64) (models.Function, error)
	SnapshotTickets(ctx context.Context, functionID int64) ([]models.SnapshotRow, error)
	TicketUpdatesSince(ctx context.Context, functionID int64, since time.Time) ([]models.Ticket, error)
	SyncScans(ctx context.Context, input SyncInput) (SyncResult, error)
	GetTicketByCode(ctx context.Context, code string) (models.Ticket, error)
	ListScanLogs(ctx context.Context, code string) ([]models.ScanLogEntry, error)
	SetTicketStatus(ctx context.Context, input OverrideInput) (models.Ticket, error)
}

// OutboxStore is read by the relay worker.
type OutboxStore interface {
	ListOutboxEvents(ctx context.Context, afterID int64, limit int) ([]OutboxEvent, error)
	GetRelayOffset(ctx context.Context, name string) (int64, error)
	UpdateRelayOffset(ctx context.Context, name string, eventID int64) error
}

// BatchTx is the view of one open transaction that sync reconciliation runs
// against. Every backend implements it over its own transaction type.
type BatchTx interface {
	LockTicket(ctx context.Context, code string) (models.Ticket, bool, error)
	MarkTicketUsed(ctx context.Context, ticketID int64, validatedAt time.Time, deviceName string, updatedAt time.Time) error
	LastScanHash(ctx context.Context, ticketID int64) (string, error)
	InsertScanLog(ctx context.Context, entry *models.ScanLogEntry) error
	InsertOutboxEvent(ctx context.Context, event OutboxEvent) error
}

// OverrideTx is the transaction view used by the dashboard status toggle.
type OverrideTx interface {
	LockTicket(ctx context.Context, code string) (models.Ticket, bool, error)
	UpdateTicketStatus(ctx context.Context, ticketID int64, status models.TicketStatus, validatedAt *time.Time, validatedBy *string, updatedAt time.Time) error
	InsertOutboxEvent(ctx context.Context, event OutboxEvent) error
}
