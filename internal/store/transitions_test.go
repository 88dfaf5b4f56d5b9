package store

import (
	"testing"

	"ticketing/scanner-service/internal/models"
)

func TestTryMarkUsed(t *testing.T) {
	cases := []struct {
		from     models.TicketStatus
		next     models.TicketStatus
		accepted bool
	}{
		{models.StatusAvailable, models.StatusUsed, true},
		{models.StatusUsed, models.StatusUsed, false},
		{models.StatusCancelled, models.StatusCancelled, false},
		{models.TicketStatus("bogus"), models.TicketStatus("bogus"), false},
	}

	for _, tt := range cases {
		next, accepted := TryMarkUsed(tt.from)
		if next != tt.next || accepted != tt.accepted {
			t.Fatalf("TryMarkUsed(%q)=(%q,%v), want (%q,%v)", tt.from, next, accepted, tt.next, tt.accepted)
		}
	}
}

func TestValidManualTransition(t *testing.T) {
	cases := []struct {
		from  models.TicketStatus
		to    models.TicketStatus
		valid bool
	}{
		{models.StatusAvailable, models.StatusUsed, true},
		{models.StatusUsed, models.StatusAvailable, true},
		{models.StatusUsed, models.StatusUsed, true},
		{models.StatusAvailable, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusAvailable, false},
		{models.StatusCancelled, models.StatusUsed, false},
	}

	for _, tt := range cases {
		if got := ValidManualTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidManualTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestServerResultFor(t *testing.T) {
	cases := []struct {
		name   string
		result string
		status models.TicketStatus
		found  bool
		want   string
	}{
		{"unknown code", "success", "", false, models.ServerResultInvalidCode},
		{"fresh success", "success", models.StatusAvailable, true, models.ServerResultAccepted},
		{"duplicate success", "success", models.StatusUsed, true, models.ServerResultAlreadyUsed},
		{"cancelled", "success", models.StatusCancelled, true, models.ServerResultCancelled},
		{"device rejected", "wrong_function", models.StatusAvailable, true, models.ServerResultNotAdmitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ServerResultFor(tc.result, tc.status, tc.found); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
