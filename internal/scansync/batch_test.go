package scansync

import (
	"errors"
	"testing"
	"time"
)

func strPtr(value string) *string {
	return &value
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestParseDeviceTimeNormalizesToReferenceZone(t *testing.T) {
	lima := mustLocation(t, "America/Lima")
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2026-05-02T23:30:00Z", time.Date(2026, 5, 2, 18, 30, 0, 0, lima)},
		{"2026-05-02T20:30:00-03:00", time.Date(2026, 5, 2, 18, 30, 0, 0, lima)},
		{"2026-05-02T23:30:00.123456789Z", time.Date(2026, 5, 2, 18, 30, 0, 123456000, lima)},
		{"2026-05-02T18:30:00", time.Date(2026, 5, 2, 18, 30, 0, 0, lima)},
		{"2026-05-02 18:30:00", time.Date(2026, 5, 2, 18, 30, 0, 0, lima)},
		{"2026-05-02T23:30:00+0000", time.Date(2026, 5, 2, 18, 30, 0, 0, lima)},
	}
	for _, tc := range cases {
		got, err := ParseDeviceTime(tc.raw, lima)
		if err != nil {
			t.Fatalf("ParseDeviceTime(%q): %v", tc.raw, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseDeviceTime(%q)=%v, want %v", tc.raw, got, tc.want)
		}
		if got.Location() != lima {
			t.Fatalf("expected reference location, got %v", got.Location())
		}
	}
}

func TestParseDeviceTimeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "yesterday", "2026-13-40T00:00:00Z", "1714680000"} {
		if _, err := ParseDeviceTime(raw, time.UTC); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFormatTimeUsesReferenceOffset(t *testing.T) {
	lima := mustLocation(t, "America/Lima")
	got := FormatTime(time.Date(2026, 5, 2, 23, 30, 0, 0, time.UTC), lima)
	if got != "2026-05-02T18:30:00-05:00" {
		t.Fatalf("unexpected format: %s", got)
	}
}

func TestParseBatch(t *testing.T) {
	scans, err := ParseBatch([]RawScan{
		{Code: strPtr(" ABC123 "), Result: strPtr("success"), Timestamp: strPtr("2026-05-02T23:30:00Z")},
		{Code: strPtr("XYZ"), Result: strPtr("already_used"), Timestamp: strPtr("2026-05-02T23:31:00Z")},
	}, time.UTC, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(scans) != 2 || scans[0].Code != "ABC123" || scans[1].Result != "already_used" {
		t.Fatalf("unexpected scans: %+v", scans)
	}
}

func TestParseBatchRejectsWholeBatch(t *testing.T) {
	_, err := ParseBatch([]RawScan{
		{Code: strPtr("ABC123"), Result: strPtr("success"), Timestamp: strPtr("2026-05-02T23:30:00Z")},
		{Code: strPtr(""), Result: nil, Timestamp: strPtr("not a date")},
		{Code: strPtr("Q"), Result: strPtr("success")},
	}, time.UTC, 0)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"scans.1.code", "scans.1.result", "scans.1.timestamp", "scans.2.timestamp"} {
		if len(verr.Fields[field]) == 0 {
			t.Fatalf("expected error on %s, got %v", field, verr.Fields)
		}
	}
	if _, ok := verr.Fields["scans.0.code"]; ok {
		t.Fatalf("valid entry must not be reported")
	}
}

func TestParseBatchLimits(t *testing.T) {
	if _, err := ParseBatch(nil, time.UTC, 0); err == nil {
		t.Fatalf("expected empty batch to be rejected")
	}
	raw := make([]RawScan, 3)
	for i := range raw {
		raw[i] = RawScan{Code: strPtr("C"), Result: strPtr("success"), Timestamp: strPtr("2026-05-02T23:30:00Z")}
	}
	if _, err := ParseBatch(raw, time.UTC, 2); err == nil {
		t.Fatalf("expected oversized batch to be rejected")
	}
}
