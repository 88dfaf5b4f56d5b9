package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ticketing/scanner-service/internal/codec"
	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/store"
)

// Result tags a device reports for a local scan.
const (
	ResultSuccess     = models.ResultSuccess
	ResultInvalidCode = models.ResultInvalidCode
	ResultAlreadyUsed = "already_used"
)

var ErrNotBootstrapped = errors.New("device cache not bootstrapped")

// Outcome is what the door operator sees for one scan.
type Outcome struct {
	Code     string
	Result   string
	Admitted bool
	Ticket   *models.SnapshotTicket
}

// State is everything a device keeps between runs. It is written as CBOR.
type State struct {
	FunctionID int64                            `cbor:"function_id"`
	Cursor     string                           `cbor:"cursor"`
	Tickets    map[string]models.SnapshotTicket `cbor:"tickets"`
	Queue      []QueuedScan                     `cbor:"queue"`
	// Rejected holds scans the server refused as invalid. They are kept for
	// the operator and never resent.
	Rejected []QueuedScan `cbor:"rejected"`
}

type ScannerConfig struct {
	FunctionID int64
	// BatchSize caps one sync upload; the rest waits for the next flush.
	BatchSize int
	Location  *time.Location
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Scanner holds the local cache for one function and the outbound queue.
type Scanner struct {
	client    *Client
	batchSize int
	loc       *time.Location
	clock     func() time.Time
	logger    *slog.Logger

	// flushMu keeps a single upload in flight so acknowledgements are matched
	// against the batch that was sent.
	flushMu sync.Mutex

	mu    sync.Mutex
	state State
}

func NewScanner(client *Client, cfg ScannerConfig) *Scanner {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		client:    client,
		batchSize: batchSize,
		loc:       loc,
		clock:     clock,
		logger:    logger,
		state:     State{FunctionID: cfg.FunctionID},
	}
}

// Bootstrap replaces the local cache with a fresh snapshot. Queued scans are
// kept; they have not reached the server yet.
func (s *Scanner) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	functionID := s.state.FunctionID
	s.mu.Unlock()

	snapshot, err := s.client.Snapshot(ctx, functionID)
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	tickets := make(map[string]models.SnapshotTicket, len(snapshot.Tickets))
	for _, ticket := range snapshot.Tickets {
		tickets[ticket.Code] = ticket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tickets = tickets
	s.state.Cursor = snapshot.ServerTime
	s.reapplyPendingLocked()
	s.logger.InfoContext(ctx, "snapshot loaded", "function_id", functionID, "tickets", len(tickets))
	return nil
}

// Scan validates a code against the local cache and queues the attempt. It
// never touches the network.
func (s *Scanner) Scan(code string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Tickets == nil {
		return Outcome{}, ErrNotBootstrapped
	}

	now := s.clock()
	outcome := Outcome{Code: code}
	ticket, ok := s.state.Tickets[code]
	switch {
	case !ok:
		outcome.Result = ResultInvalidCode
	default:
		next, admitted := store.TryMarkUsed(ticket.Status)
		if admitted {
			ticket.Status = next
			validatedAt := now.In(s.loc).Format(time.RFC3339Nano)
			ticket.ValidatedAt = &validatedAt
			s.state.Tickets[code] = ticket
			outcome.Result = ResultSuccess
			outcome.Admitted = true
		} else {
			outcome.Result = ResultAlreadyUsed
		}
		copied := ticket
		outcome.Ticket = &copied
	}

	s.state.Queue = append(s.state.Queue, QueuedScan{
		Code:      code,
		Result:    outcome.Result,
		Timestamp: now.In(s.loc).Format(time.RFC3339Nano),
	})
	return outcome, nil
}

// Flush uploads queued scans. Entries leave the queue only when the server
// acknowledged their code; a failed upload leaves the queue untouched so the
// whole batch is retried, except for entries the server rejected as invalid.
func (s *Scanner) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	n := len(s.state.Queue)
	if n > s.batchSize {
		n = s.batchSize
	}
	batch := append([]QueuedScan(nil), s.state.Queue[:n]...)
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	ack, err := s.client.Sync(ctx, batch)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			rejected := s.rejectSent(len(batch), apiErr.Fields)
			s.logger.WarnContext(ctx, "scans rejected", "rejected", rejected, "fields", apiErr.Fields, "request_id", apiErr.RequestID)
		}
		return 0, fmt.Errorf("sync %d scans: %w", len(batch), err)
	}
	acked := make(map[string]struct{}, len(ack.Received))
	for _, code := range ack.Received {
		acked[code] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]QueuedScan, 0, len(s.state.Queue))
	cleared := 0
	for _, scan := range s.state.Queue[:len(batch)] {
		if _, ok := acked[scan.Code]; ok {
			cleared++
			continue
		}
		kept = append(kept, scan)
	}
	kept = append(kept, s.state.Queue[len(batch):]...)
	s.state.Queue = kept
	s.logger.InfoContext(ctx, "scans synced", "sent", len(batch), "acknowledged", cleared, "pending", len(kept))
	return cleared, nil
}

// rejectSent moves the entries of the sent prefix a validation error points
// at (scans.N.field) into State.Rejected. An error naming no entry rejects
// the whole prefix.
func (s *Scanner) rejectSent(sent int, fields map[string][]string) int {
	bad := make(map[int]bool)
	for field := range fields {
		rest, ok := strings.CutPrefix(field, "scans.")
		if !ok {
			continue
		}
		index, _, _ := strings.Cut(rest, ".")
		if i, err := strconv.Atoi(index); err == nil && i >= 0 && i < sent {
			bad[i] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]QueuedScan, 0, len(s.state.Queue))
	rejected := 0
	for i, scan := range s.state.Queue[:sent] {
		if len(bad) == 0 || bad[i] {
			s.state.Rejected = append(s.state.Rejected, scan)
			rejected++
			continue
		}
		kept = append(kept, scan)
	}
	s.state.Queue = append(kept, s.state.Queue[sent:]...)
	return rejected
}

// Refresh pulls changes since the stored cursor and folds them into the
// cache. The cursor only ever comes from the server's clock.
func (s *Scanner) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	functionID := s.state.FunctionID
	cursor := s.state.Cursor
	bootstrapped := s.state.Tickets != nil
	s.mu.Unlock()

	if !bootstrapped || cursor == "" {
		return 0, ErrNotBootstrapped
	}
	updates, err := s.client.Updates(ctx, functionID, cursor)
	if err != nil {
		return 0, fmt.Errorf("fetch updates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delta := range updates.Tickets {
		s.applyDeltaLocked(delta)
	}
	s.reapplyPendingLocked()
	s.state.Cursor = updates.ServerTime
	return len(updates.Tickets), nil
}

func (s *Scanner) applyDeltaLocked(delta models.TicketDelta) {
	if delta.Status == models.StatusCancelled {
		delete(s.state.Tickets, delta.Code)
		return
	}
	ticket, ok := s.state.Tickets[delta.Code]
	if !ok {
		// Issued after the snapshot; only the delta fields are known.
		ticket = models.SnapshotTicket{Code: delta.Code, BundleQuantity: 1}
	}
	ticket.Status = delta.Status
	ticket.ValidatedAt = delta.ValidatedAt
	ticket.UpdatedAt = delta.UpdatedAt
	s.state.Tickets[delta.Code] = ticket
}

// reapplyPendingLocked keeps tickets admitted at this door marked used until
// the admission has been uploaded, whatever the server reported before.
func (s *Scanner) reapplyPendingLocked() {
	for _, scan := range s.state.Queue {
		if scan.Result != ResultSuccess {
			continue
		}
		ticket, ok := s.state.Tickets[scan.Code]
		if !ok || ticket.Status != models.StatusAvailable {
			continue
		}
		ticket.Status = models.StatusUsed
		validatedAt := scan.Timestamp
		ticket.ValidatedAt = &validatedAt
		s.state.Tickets[scan.Code] = ticket
	}
}

func (s *Scanner) Ticket(code string) (models.SnapshotTicket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.state.Tickets[code]
	return ticket, ok
}

func (s *Scanner) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cursor
}

func (s *Scanner) Pending() []QueuedScan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedScan(nil), s.state.Queue...)
}

func (s *Scanner) Rejected() []QueuedScan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedScan(nil), s.state.Rejected...)
}

// SaveState writes the cache, cursor and queue.
func (s *Scanner) SaveState(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return codec.NewEncoder(w).Encode(s.state)
}

// LoadState restores a previous run. A state saved for another function is
// rejected so the caller bootstraps instead.
func (s *Scanner) LoadState(r io.Reader) error {
	var state State
	if err := codec.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("decode device state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.FunctionID != s.state.FunctionID {
		return fmt.Errorf("device state is for function %d, not %d", state.FunctionID, s.state.FunctionID)
	}
	if state.Tickets == nil {
		state.Tickets = make(map[string]models.SnapshotTicket)
	}
	s.state = state
	return nil
}
