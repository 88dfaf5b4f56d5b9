package scansync

import (
	"testing"
	"time"

	"ticketing/scanner-service/internal/models"
)

func TestSnapshotOwnerAndBundle(t *testing.T) {
	validated := time.Date(2026, 5, 2, 21, 0, 0, 0, time.UTC)
	updated := validated.Add(time.Minute)
	rows := []models.SnapshotRow{
		{
			Code: "A1", Status: models.StatusAvailable, Sector: "Platea", TypeName: "General",
			AssistantName: strPtr("Ana"), AssistantDNI: strPtr("111"),
			ClientName: strPtr("Carlos"), ClientDNI: strPtr("222"),
			UpdatedAt: updated,
		},
		{
			Code: "B1", Status: models.StatusUsed, TypeName: "Family pack", IsBundle: true, BundleQuantity: 4,
			BundleRef: strPtr("PACK-9"), ClientName: strPtr("Carlos"), ClientDNI: strPtr("222"),
			ValidatedAt: &validated, UpdatedAt: updated,
		},
		{Code: "C1", Status: models.StatusAvailable, TypeName: "VIP", IsBundle: true, UpdatedAt: updated},
		{Code: "X1", Status: models.StatusCancelled, UpdatedAt: updated},
	}

	got := Snapshot(rows, time.UTC)
	if len(got) != 3 {
		t.Fatalf("expected cancelled row dropped, got %d rows", len(got))
	}
	if got[0].Name != "Ana" || got[0].DNI != "111" || got[0].BundleQuantity != 1 {
		t.Fatalf("assistant should win: %+v", got[0])
	}
	if got[1].Name != "Carlos" || got[1].BundleQuantity != 4 || *got[1].BundleRef != "PACK-9" {
		t.Fatalf("unexpected bundle row: %+v", got[1])
	}
	if got[1].ValidatedAt == nil || *got[1].ValidatedAt != "2026-05-02T21:00:00Z" {
		t.Fatalf("unexpected validated_at: %v", got[1].ValidatedAt)
	}
	if got[2].Name != PlaceholderOwnerName || got[2].DNI != "" || got[2].BundleQuantity != 1 {
		t.Fatalf("expected placeholder owner and unit bundle: %+v", got[2])
	}
	if got[0].ValidatedAt != nil {
		t.Fatalf("expected null validated_at")
	}
}

func TestDeltas(t *testing.T) {
	updated := time.Date(2026, 5, 2, 21, 0, 0, 500000000, time.UTC)
	got := Deltas([]models.Ticket{{Code: "A1", Status: models.StatusUsed, ValidatedAt: &updated, UpdatedAt: updated}}, time.UTC)
	if len(got) != 1 || got[0].Code != "A1" || got[0].UpdatedAt != "2026-05-02T21:00:00.5Z" {
		t.Fatalf("unexpected deltas: %+v", got)
	}
}
