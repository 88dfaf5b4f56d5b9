package scansync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ticketing/scanner-service/internal/store"
)

// RawScan is one entry of an uploaded batch as the device sent it.
type RawScan struct {
	Code      *string `json:"code"`
	Result    *string `json:"result"`
	Timestamp *string `json:"timestamp"`
}

// ValidationError lists every problem found in a request, keyed by field
// path (scans.3.timestamp).
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+strings.Join(e.Fields[key], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// NewValidationError builds a single-field error.
func NewValidationError(field, message string) *ValidationError {
	err := &ValidationError{}
	err.add(field, message)
	return err
}

// ParseBatch validates a whole upload before anything touches the store. One
// bad entry rejects the batch.
func ParseBatch(raw []RawScan, loc *time.Location, maxSize int) ([]store.ScanInput, error) {
	verr := &ValidationError{}
	if len(raw) == 0 {
		verr.add("scans", "at least one scan is required")
		return nil, verr
	}
	if maxSize > 0 && len(raw) > maxSize {
		verr.add("scans", fmt.Sprintf("at most %d scans per batch", maxSize))
		return nil, verr
	}

	scans := make([]store.ScanInput, 0, len(raw))
	for i, entry := range raw {
		prefix := fmt.Sprintf("scans.%d.", i)
		code := trimmed(entry.Code)
		result := trimmed(entry.Result)
		if code == "" {
			verr.add(prefix+"code", "required")
		}
		if result == "" {
			verr.add(prefix+"result", "required")
		}
		var scannedAt time.Time
		if ts := trimmed(entry.Timestamp); ts == "" {
			verr.add(prefix+"timestamp", "required")
		} else {
			parsed, err := ParseDeviceTime(ts, loc)
			if err != nil {
				verr.add(prefix+"timestamp", "must be an ISO-8601 date")
			}
			scannedAt = parsed
		}
		scans = append(scans, store.ScanInput{Code: code, Result: result, ScannedAt: scannedAt})
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return scans, nil
}

func trimmed(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
