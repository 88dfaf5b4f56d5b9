package scansync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/store"
)

const DefaultOverrideActor = "dashboard"

type statusChangedPayload struct {
	Code       string              `json:"code"`
	TicketID   int64               `json:"ticket_id"`
	FunctionID int64               `json:"function_id"`
	From       models.TicketStatus `json:"from"`
	To         models.TicketStatus `json:"to"`
	Actor      string              `json:"actor"`
}

// ApplyOverride performs a manual status toggle inside an open transaction.
// It never writes the scan log. A request for the current status returns
// the ticket untouched.
func ApplyOverride(ctx context.Context, tx store.OverrideTx, input store.OverrideInput) (models.Ticket, error) {
	if !input.Status.Valid() {
		return models.Ticket{}, store.ErrInvalidStatus
	}
	ticket, found, err := tx.LockTicket(ctx, input.Code)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("lock ticket: %w", err)
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidManualTransition(ticket.Status, input.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}
	if ticket.Status == input.Status {
		return ticket, nil
	}

	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		actor = DefaultOverrideActor
	}
	from := ticket.Status
	ticket.Status = input.Status
	ticket.UpdatedAt = input.OccurredAt
	switch input.Status {
	case models.StatusUsed:
		at := input.OccurredAt
		ticket.ValidatedAt = &at
		ticket.ValidatedBy = &actor
	case models.StatusAvailable:
		ticket.ValidatedAt = nil
		ticket.ValidatedBy = nil
	}
	if err := tx.UpdateTicketStatus(ctx, ticket.ID, ticket.Status, ticket.ValidatedAt, ticket.ValidatedBy, ticket.UpdatedAt); err != nil {
		return models.Ticket{}, fmt.Errorf("update ticket status: %w", err)
	}

	payload, err := json.Marshal(statusChangedPayload{
		Code:       ticket.Code,
		TicketID:   ticket.ID,
		FunctionID: ticket.FunctionID,
		From:       from,
		To:         ticket.Status,
		Actor:      actor,
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if err := tx.InsertOutboxEvent(ctx, store.OutboxEvent{
		Type:         store.EventTicketStatusChanged,
		AggregateKey: ticket.Code,
		Payload:      payload,
		CreatedAt:    input.OccurredAt,
	}); err != nil {
		return models.Ticket{}, fmt.Errorf("insert outbox event: %w", err)
	}
	return ticket, nil
}
