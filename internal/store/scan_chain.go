package store

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"ticketing/scanner-service/internal/models"
)

// scanLogKey separates scan log digests from any other BLAKE3 use.
var scanLogKey = [32]byte{
	's', 'c', 'a', 'n', 'n', 'e', 'r', '.', 's', 'c', 'a', 'n', '_', 'l', 'o', 'g',
}

// ComputeScanHash links a scan log row to the previous row for the same
// ticket. Rows for unknown codes start a chain of their own.
func ComputeScanHash(prevHash string, entry models.ScanLogEntry) string {
	ticketID := ""
	if entry.TicketID != nil {
		ticketID = strconv.FormatInt(*entry.TicketID, 10)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s",
		prevHash,
		ticketID,
		entry.ScannedCode,
		entry.DeviceUUID,
		entry.DeviceName,
		entry.Result,
		entry.ServerResult,
		entry.ScannedAt.UTC().Format(time.RFC3339Nano),
		entry.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	hasher, err := blake3.NewKeyed(scanLogKey[:])
	if err != nil {
		panic("store: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write([]byte(raw))
	return hex.EncodeToString(hasher.Sum(nil))
}

// VerifyScanChain checks scan log rows, oldest first. Rows are linked per
// ticket, so a code's history may hold several chains: rows logged before
// the ticket existed each stand alone.
func VerifyScanChain(entries []models.ScanLogEntry) bool {
	last := make(map[int64]string)
	for _, entry := range entries {
		prev := ""
		if entry.TicketID != nil {
			prev = last[*entry.TicketID]
		}
		if entry.PrevHash != prev {
			return false
		}
		if ComputeScanHash(entry.PrevHash, entry) != entry.Hash {
			return false
		}
		if entry.TicketID != nil {
			last[*entry.TicketID] = entry.Hash
		}
	}
	return true
}
