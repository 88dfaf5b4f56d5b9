package store

import "ticketing/scanner-service/internal/models"

// TryMarkUsed is the only place the scanning protocol decides whether a
// ticket may be admitted. The first accepted transition wins; everything
// after it is audit-only.
func TryMarkUsed(current models.TicketStatus) (models.TicketStatus, bool) {
	if current == models.StatusAvailable {
		return models.StatusUsed, true
	}
	return current, false
}

var manualTransitions = map[models.TicketStatus][]models.TicketStatus{
	models.StatusAvailable: {models.StatusAvailable, models.StatusUsed},
	models.StatusUsed:      {models.StatusUsed, models.StatusAvailable},
}

// ValidManualTransition reports whether the dashboard override may move a
// ticket from one status to another. Cancelled tickets are frozen.
func ValidManualTransition(from, to models.TicketStatus) bool {
	allowed, ok := manualTransitions[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}

// ServerResultFor derives the server's own verdict for one scan attempt from
// the ticket state observed before the attempt was applied.
func ServerResultFor(deviceResult string, current models.TicketStatus, found bool) string {
	if !found {
		return models.ServerResultInvalidCode
	}
	switch current {
	case models.StatusCancelled:
		return models.ServerResultCancelled
	case models.StatusUsed:
		return models.ServerResultAlreadyUsed
	}
	if deviceResult != models.ResultSuccess {
		return models.ServerResultNotAdmitted
	}
	return models.ServerResultAccepted
}
