package scansync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/store"
)

var tracer = otel.Tracer("ticketing/scanner-service/scansync")

type ticketUsedPayload struct {
	Code        string    `json:"code"`
	TicketID    int64     `json:"ticket_id"`
	FunctionID  int64     `json:"function_id"`
	Status      string    `json:"status"`
	ValidatedAt time.Time `json:"validated_at"`
	DeviceUUID  string    `json:"device_uuid"`
	DeviceName  string    `json:"device_name"`
}

// Apply reconciles one uploaded batch inside an already open transaction.
// Entries are processed in submission order. Every entry produces exactly one
// scan log row; only a "success" on an available ticket changes the ticket.
// Any error leaves the caller to roll the whole transaction back.
func Apply(ctx context.Context, tx store.BatchTx, input store.SyncInput) (store.SyncResult, error) {
	ctx, span := tracer.Start(ctx, "scansync.Apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("scan.batch_size", len(input.Scans)),
			attribute.String("scan.device_uuid", input.Device.UUID),
		),
	)
	defer span.End()

	result := store.SyncResult{Received: make([]string, 0, len(input.Scans))}
	for i, scan := range input.Scans {
		admitted, err := applyOne(ctx, tx, input, scan)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch rolled back")
			return store.SyncResult{}, fmt.Errorf("apply scan %d (%s): %w", i, scan.Code, err)
		}
		if admitted {
			result.Admitted++
		}
		result.Logged++
		result.Received = append(result.Received, scan.Code)
	}
	span.SetAttributes(attribute.Int("scan.admitted", result.Admitted))
	return result, nil
}

func applyOne(ctx context.Context, tx store.BatchTx, input store.SyncInput, scan store.ScanInput) (bool, error) {
	entry := models.ScanLogEntry{
		DeviceUUID:  input.Device.UUID,
		DeviceName:  input.Device.Name,
		Result:      scan.Result,
		ScannedCode: scan.Code,
		ScannedAt:   scan.ScannedAt,
		ReceivedAt:  input.ReceivedAt,
	}

	ticket, found, err := tx.LockTicket(ctx, scan.Code)
	if err != nil {
		return false, fmt.Errorf("lock ticket: %w", err)
	}
	if !found {
		entry.Result = models.ResultInvalidCode
		entry.ServerResult = models.ServerResultInvalidCode
		entry.Hash = store.ComputeScanHash("", entry)
		if err := tx.InsertScanLog(ctx, &entry); err != nil {
			return false, fmt.Errorf("insert scan log: %w", err)
		}
		return false, nil
	}

	ticketID := ticket.ID
	functionID := ticket.FunctionID
	entry.TicketID = &ticketID
	entry.FunctionID = &functionID
	entry.ServerResult = store.ServerResultFor(scan.Result, ticket.Status, true)

	prevHash, err := tx.LastScanHash(ctx, ticket.ID)
	if err != nil {
		return false, fmt.Errorf("last scan hash: %w", err)
	}
	entry.PrevHash = prevHash
	entry.Hash = store.ComputeScanHash(prevHash, entry)
	if err := tx.InsertScanLog(ctx, &entry); err != nil {
		return false, fmt.Errorf("insert scan log: %w", err)
	}

	if scan.Result != models.ResultSuccess {
		return false, nil
	}
	if _, accepted := store.TryMarkUsed(ticket.Status); !accepted {
		return false, nil
	}

	if err := tx.MarkTicketUsed(ctx, ticket.ID, scan.ScannedAt, input.Device.Name, input.ReceivedAt); err != nil {
		return false, fmt.Errorf("mark ticket used: %w", err)
	}

	payload, err := json.Marshal(ticketUsedPayload{
		Code:        ticket.Code,
		TicketID:    ticket.ID,
		FunctionID:  ticket.FunctionID,
		Status:      string(models.StatusUsed),
		ValidatedAt: scan.ScannedAt,
		DeviceUUID:  input.Device.UUID,
		DeviceName:  input.Device.Name,
	})
	if err != nil {
		return false, err
	}
	if err := tx.InsertOutboxEvent(ctx, store.OutboxEvent{
		Type:         store.EventTicketUsed,
		AggregateKey: ticket.Code,
		Payload:      payload,
		CreatedAt:    input.ReceivedAt,
	}); err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}
	return true, nil
}
