package models

import "time"

const (
	ResultSuccess     = "success"
	ResultInvalidCode = "invalid_code"
)

// Server-side judgement of a scan attempt, stored next to the tag the
// device reported.
const (
	ServerResultAccepted    = "accepted"
	ServerResultAlreadyUsed = "already_used"
	ServerResultCancelled   = "cancelled"
	ServerResultNotAdmitted = "not_admitted"
	ServerResultInvalidCode = "invalid_code"
)

const UnknownDevice = "unknown"

type Device struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type ScanLogEntry struct {
	ID           int64     `json:"id"`
	TicketID     *int64    `json:"ticket_id"`
	FunctionID   *int64    `json:"function_id"`
	DeviceUUID   string    `json:"device_uuid"`
	DeviceName   string    `json:"device_name"`
	Result       string    `json:"result"`
	ServerResult string    `json:"server_result"`
	ScannedCode  string    `json:"scanned_code"`
	ScannedAt    time.Time `json:"scanned_at"`
	ReceivedAt   time.Time `json:"received_at"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}
