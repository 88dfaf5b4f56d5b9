package scansync

import (
	"time"

	"ticketing/scanner-service/internal/models"
)

const (
	PlaceholderOwnerName = "Guest"
	PlaceholderOwnerDNI  = ""
)

// ResolveOwner picks the display identity for a ticket. An assistant wins
// over a client when both are attached.
func ResolveOwner(row models.SnapshotRow) models.Owner {
	if row.AssistantName != nil {
		return models.Owner{Name: *row.AssistantName, DNI: deref(row.AssistantDNI)}
	}
	if row.ClientName != nil {
		return models.Owner{Name: *row.ClientName, DNI: deref(row.ClientDNI)}
	}
	return models.Owner{Name: PlaceholderOwnerName, DNI: PlaceholderOwnerDNI}
}

// BundleQuantity is 1 for single admissions.
func BundleQuantity(row models.SnapshotRow) int {
	if !row.IsBundle || row.BundleQuantity <= 0 {
		return 1
	}
	return row.BundleQuantity
}

// Snapshot shapes store rows into the compact download records. Cancelled
// rows are dropped even if a store returned them.
func Snapshot(rows []models.SnapshotRow, loc *time.Location) []models.SnapshotTicket {
	tickets := make([]models.SnapshotTicket, 0, len(rows))
	for _, row := range rows {
		if row.Status != models.StatusAvailable && row.Status != models.StatusUsed {
			continue
		}
		owner := ResolveOwner(row)
		tickets = append(tickets, models.SnapshotTicket{
			Code:           row.Code,
			Status:         row.Status,
			Sector:         row.Sector,
			Name:           owner.Name,
			DNI:            owner.DNI,
			TypeName:       row.TypeName,
			BundleQuantity: BundleQuantity(row),
			BundleRef:      row.BundleRef,
			ValidatedAt:    formatTimePtr(row.ValidatedAt, loc),
			UpdatedAt:      FormatTime(row.UpdatedAt, loc),
		})
	}
	return tickets
}

// Deltas shapes changed tickets into the updates feed records.
func Deltas(tickets []models.Ticket, loc *time.Location) []models.TicketDelta {
	deltas := make([]models.TicketDelta, 0, len(tickets))
	for _, ticket := range tickets {
		deltas = append(deltas, models.TicketDelta{
			Code:        ticket.Code,
			Status:      ticket.Status,
			ValidatedAt: formatTimePtr(ticket.ValidatedAt, loc),
			UpdatedAt:   FormatTime(ticket.UpdatedAt, loc),
		})
	}
	return deltas
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
