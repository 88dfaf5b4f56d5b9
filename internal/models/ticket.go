package models

import "time"

type TicketStatus string

const (
	StatusAvailable TicketStatus = "available"
	StatusUsed      TicketStatus = "used"
	StatusCancelled TicketStatus = "cancelled"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusUsed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Ticket struct {
	ID           int64        `json:"id"`
	Code         string       `json:"code"`
	Status       TicketStatus `json:"status"`
	TicketTypeID int64        `json:"ticket_type_id"`
	FunctionID   int64        `json:"function_id"`
	AssistantID  *int64       `json:"assistant_id,omitempty"`
	ClientID     *int64       `json:"client_id,omitempty"`
	BundleRef    *string      `json:"bundle_ref,omitempty"`
	ValidatedAt  *time.Time   `json:"validated_at,omitempty"`
	ValidatedBy  *string      `json:"validated_by,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

type TicketType struct {
	ID             int64  `json:"id"`
	FunctionID     int64  `json:"function_id"`
	Name           string `json:"name"`
	Sector         string `json:"sector"`
	IsBundle       bool   `json:"is_bundle"`
	BundleQuantity int    `json:"bundle_quantity"`
}

// Owner is the person a ticket is issued to. Assistant rows take precedence
// over client rows when a ticket references both.
type Owner struct {
	Name string
	DNI  string
}

// SnapshotTicket is one row of the full download for a function. The short
// keys keep payloads small on venue networks.
type SnapshotTicket struct {
	Code           string       `json:"c" cbor:"c"`
	Status         TicketStatus `json:"s" cbor:"s"`
	Sector         string       `json:"sec" cbor:"sec"`
	Name           string       `json:"n" cbor:"n"`
	DNI            string       `json:"d" cbor:"d"`
	TypeName       string       `json:"t" cbor:"t"`
	BundleQuantity int          `json:"b" cbor:"b"`
	BundleRef      *string      `json:"br" cbor:"br"`
	ValidatedAt    *string      `json:"va" cbor:"va"`
	UpdatedAt      string       `json:"u" cbor:"u"`
}

// TicketDelta is one row of the incremental updates feed.
type TicketDelta struct {
	Code        string       `json:"c" cbor:"c"`
	Status      TicketStatus `json:"s" cbor:"s"`
	ValidatedAt *string      `json:"va" cbor:"va"`
	UpdatedAt   string       `json:"u" cbor:"u"`
}

// SnapshotRow is what a store returns for the download feed before the
// owner fallback and timestamp formatting are applied.
type SnapshotRow struct {
	Code           string
	Status         TicketStatus
	Sector         string
	TypeName       string
	IsBundle       bool
	BundleQuantity int
	BundleRef      *string
	AssistantName  *string
	AssistantDNI   *string
	ClientName     *string
	ClientDNI      *string
	ValidatedAt    *time.Time
	UpdatedAt      time.Time
}
