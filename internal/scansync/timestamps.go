// Package scansync holds the rules of the device synchronization protocol:
// timestamp normalization, batch validation, reconciliation of uploaded
// scans and the compact projections sent back to devices.
package scansync

import (
	"errors"
	"strings"
	"time"
)

var errUnparseableTime = errors.New("unparseable timestamp")

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseDeviceTime reads an ISO-8601 timestamp sent by a device and returns it
// in the reference location. Values without an offset are taken to already be
// in the reference location. Precision is cut to microseconds, the finest
// resolution every backend persists.
func ParseDeviceTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errUnparseableTime
	}
	for _, layout := range offsetLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.In(loc).Truncate(time.Microsecond), nil
		}
	}
	for _, layout := range localLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return parsed.Truncate(time.Microsecond), nil
		}
	}
	return time.Time{}, errUnparseableTime
}

// FormatTime renders a timestamp for the wire: ISO-8601 with explicit offset
// in the reference location.
func FormatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	value := FormatTime(*t, loc)
	return &value
}
