package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/scansync"
	"ticketing/scanner-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

type Options struct {
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{pool: pool, clock: clock}
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *Store) ListCatalog(ctx context.Context, cutoff time.Time) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.event_id, e.name, v.venue_id, v.name, v.address,
		       f.function_id, f.name, f.starts_at, f.active
		FROM events e
		JOIN venues v ON v.venue_id = e.venue_id
		JOIN functions f ON f.event_id = e.event_id
		WHERE e.archived = FALSE AND f.active = TRUE AND f.starts_at >= $1
		ORDER BY e.event_id, f.starts_at, f.function_id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	index := make(map[int64]int)
	venueIDs := make([]int64, 0)
	for rows.Next() {
		var event models.Event
		var function models.Function
		if err := rows.Scan(&event.ID, &event.Name, &event.Venue.ID, &event.Venue.Name, &event.Venue.Address,
			&function.ID, &function.Name, &function.StartsAt, &function.Active); err != nil {
			return nil, err
		}
		function.EventID = event.ID
		pos, ok := index[event.ID]
		if !ok {
			pos = len(events)
			index[event.ID] = pos
			event.Functions = []models.Function{}
			events = append(events, event)
			venueIDs = append(venueIDs, event.Venue.ID)
		}
		events[pos].Functions = append(events[pos].Functions, function)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return []models.Event{}, nil
	}

	sectors, err := s.sectorsByVenue(ctx, venueIDs)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Venue.Sectors = sectors[events[i].Venue.ID]
		if events[i].Venue.Sectors == nil {
			events[i].Venue.Sectors = []models.Sector{}
		}
	}
	return events, nil
}

func (s *Store) sectorsByVenue(ctx context.Context, venueIDs []int64) (map[int64][]models.Sector, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sector_id, venue_id, name
		FROM sectors
		WHERE venue_id = ANY($1)
		ORDER BY sector_id
	`, venueIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sectors := make(map[int64][]models.Sector)
	for rows.Next() {
		var sector models.Sector
		var venueID int64
		if err := rows.Scan(&sector.ID, &venueID, &sector.Name); err != nil {
			return nil, err
		}
		sectors[venueID] = append(sectors[venueID], sector)
	}
	return sectors, rows.Err()
}

func (s *Store) GetFunction(ctx context.Context, functionID int64) (models.Function, error) {
	var function models.Function
	row := s.pool.QueryRow(ctx, `
		SELECT function_id, event_id, name, starts_at, active
		FROM functions
		WHERE function_id = $1
	`, functionID)
	if err := row.Scan(&function.ID, &function.EventID, &function.Name, &function.StartsAt, &function.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Function{}, store.ErrFunctionNotFound
		}
		return models.Function{}, err
	}
	return function, nil
}

func (s *Store) SnapshotTickets(ctx context.Context, functionID int64) ([]models.SnapshotRow, error) {
	if _, err := s.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT t.code, t.status, tt.sector, tt.name, tt.is_bundle, tt.bundle_quantity, t.bundle_ref,
		       a.name, a.dni, c.name, c.dni, t.validated_at, t.updated_at
		FROM tickets t
		JOIN ticket_types tt ON tt.ticket_type_id = t.ticket_type_id
		LEFT JOIN assistants a ON a.assistant_id = t.assistant_id
		LEFT JOIN clients c ON c.client_id = t.client_id
		WHERE tt.function_id = $1 AND t.status IN ('available', 'used')
		ORDER BY t.ticket_id
	`, functionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]models.SnapshotRow, 0)
	for rows.Next() {
		var row models.SnapshotRow
		if err := rows.Scan(&row.Code, &row.Status, &row.Sector, &row.TypeName, &row.IsBundle, &row.BundleQuantity, &row.BundleRef,
			&row.AssistantName, &row.AssistantDNI, &row.ClientName, &row.ClientDNI, &row.ValidatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) TicketUpdatesSince(ctx context.Context, functionID int64, since time.Time) ([]models.Ticket, error) {
	if _, err := s.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, ticketSelect+`
		WHERE tt.function_id = $1 AND t.updated_at > $2
		ORDER BY t.updated_at, t.ticket_id
	`, functionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) SyncScans(ctx context.Context, input store.SyncInput) (result store.SyncResult, err error) {
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = s.now()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return store.SyncResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	result, err = scansync.Apply(ctx, &batchTx{tx: tx}, input)
	if err != nil {
		return store.SyncResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.SyncResult{}, err
	}
	return result, nil
}

func (s *Store) GetTicketByCode(ctx context.Context, code string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, ticketSelect+` WHERE t.code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListScanLogs(ctx context.Context, code string) ([]models.ScanLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scan_log_id, ticket_id, function_id, device_uuid, device_name, result, server_result,
		       scanned_code, scanned_at, received_at, prev_hash, hash
		FROM scan_logs
		WHERE scanned_code = $1
		ORDER BY scan_log_id
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.ScanLogEntry, 0)
	for rows.Next() {
		var entry models.ScanLogEntry
		if err := rows.Scan(&entry.ID, &entry.TicketID, &entry.FunctionID, &entry.DeviceUUID, &entry.DeviceName, &entry.Result,
			&entry.ServerResult, &entry.ScannedCode, &entry.ScannedAt, &entry.ReceivedAt, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) SetTicketStatus(ctx context.Context, input store.OverrideInput) (ticket models.Ticket, err error) {
	if input.OccurredAt.IsZero() {
		input.OccurredAt = s.now()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err = scansync.ApplyOverride(ctx, &batchTx{tx: tx}, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterID int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, aggregate_key, payload, created_at
		FROM outbox_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]store.OutboxEvent, 0)
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.Type, &event.AggregateKey, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetRelayOffset(ctx context.Context, name string) (int64, error) {
	var offset int64
	err := s.pool.QueryRow(ctx, `SELECT last_event_id FROM relay_offsets WHERE name = $1`, name).Scan(&offset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return offset, nil
}

func (s *Store) UpdateRelayOffset(ctx context.Context, name string, eventID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_offsets (name, last_event_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET last_event_id = GREATEST(relay_offsets.last_event_id, EXCLUDED.last_event_id),
		    updated_at = EXCLUDED.updated_at
	`, name, eventID, s.now())
	return err
}

const ticketSelect = `
	SELECT t.ticket_id, t.code, t.status, t.ticket_type_id, tt.function_id, t.assistant_id, t.client_id,
	       t.bundle_ref, t.validated_at, t.validated_by, t.updated_at, t.created_at
	FROM tickets t
	JOIN ticket_types tt ON tt.ticket_type_id = t.ticket_type_id
`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	err := row.Scan(&ticket.ID, &ticket.Code, &ticket.Status, &ticket.TicketTypeID, &ticket.FunctionID, &ticket.AssistantID,
		&ticket.ClientID, &ticket.BundleRef, &ticket.ValidatedAt, &ticket.ValidatedBy, &ticket.UpdatedAt, &ticket.CreatedAt)
	return ticket, err
}

// batchTx adapts an open pgx transaction to the reconciliation and override
// algorithms.
type batchTx struct {
	tx pgx.Tx
}

func (b *batchTx) LockTicket(ctx context.Context, code string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(b.tx.QueryRow(ctx, ticketSelect+` WHERE t.code = $1 FOR UPDATE OF t`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (b *batchTx) MarkTicketUsed(ctx context.Context, ticketID int64, validatedAt time.Time, deviceName string, updatedAt time.Time) error {
	tag, err := b.tx.Exec(ctx, `
		UPDATE tickets
		SET status = $2, validated_at = $3, validated_by = $4, updated_at = $5
		WHERE ticket_id = $1 AND status = $6
	`, ticketID, models.StatusUsed, validatedAt, deviceName, updatedAt, models.StatusAvailable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ticket %d: %w", ticketID, store.ErrInvalidState)
	}
	return nil
}

func (b *batchTx) UpdateTicketStatus(ctx context.Context, ticketID int64, status models.TicketStatus, validatedAt *time.Time, validatedBy *string, updatedAt time.Time) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE tickets
		SET status = $2, validated_at = $3, validated_by = $4, updated_at = $5
		WHERE ticket_id = $1
	`, ticketID, status, validatedAt, validatedBy, updatedAt)
	return err
}

func (b *batchTx) LastScanHash(ctx context.Context, ticketID int64) (string, error) {
	var hash string
	err := b.tx.QueryRow(ctx, `
		SELECT hash FROM scan_logs
		WHERE ticket_id = $1
		ORDER BY scan_log_id DESC
		LIMIT 1
	`, ticketID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

func (b *batchTx) InsertScanLog(ctx context.Context, entry *models.ScanLogEntry) error {
	return b.tx.QueryRow(ctx, `
		INSERT INTO scan_logs (
			ticket_id, function_id, device_uuid, device_name, result, server_result,
			scanned_code, scanned_at, received_at, prev_hash, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING scan_log_id
	`, entry.TicketID, entry.FunctionID, entry.DeviceUUID, entry.DeviceName, entry.Result, entry.ServerResult,
		entry.ScannedCode, entry.ScannedAt, entry.ReceivedAt, entry.PrevHash, entry.Hash).Scan(&entry.ID)
}

func (b *batchTx) InsertOutboxEvent(ctx context.Context, event store.OutboxEvent) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO outbox_events (type, aggregate_key, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, event.Type, event.AggregateKey, []byte(event.Payload), event.CreatedAt)
	return err
}
