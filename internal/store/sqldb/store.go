// Package sqldb implements the scanner store over database/sql for the
// MySQL database the box office already runs and for single-node SQLite
// deployments.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/scansync"
	"ticketing/scanner-service/internal/store"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

const sqliteParams = "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

type Options struct {
	Clock func() time.Time
}

// Open connects and pings. Migrations are applied separately with Migrate.
func Open(ctx context.Context, dialect Dialect, dsn string, options Options) (*Store, error) {
	var db *sql.DB
	switch dialect {
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.MultiStatements = true
		cfg.Loc = time.UTC
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, err
		}
		db = sql.OpenDB(connector)
	case DialectSQLite:
		var err error
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, dialect, options), nil
}

func New(db *sql.DB, dialect Dialect, options Options) *Store {
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, dialect: dialect, clock: clock}
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteParams
	}
	return dsn + "?" + sqliteParams
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *Store) ListCatalog(ctx context.Context, cutoff time.Time) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.name, v.venue_id, v.name, v.address,
		       f.function_id, f.name, f.starts_at, f.active
		FROM events e
		JOIN venues v ON v.venue_id = e.venue_id
		JOIN functions f ON f.event_id = e.event_id
		WHERE e.archived = 0 AND f.active = 1 AND f.starts_at >= ?
		ORDER BY e.event_id, f.starts_at, f.function_id
	`, toMicros(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	index := make(map[int64]int)
	var venueIDs []int64
	for rows.Next() {
		var event models.Event
		var function models.Function
		var startsAt int64
		if err := rows.Scan(&event.ID, &event.Name, &event.Venue.ID, &event.Venue.Name, &event.Venue.Address,
			&function.ID, &function.Name, &startsAt, &function.Active); err != nil {
			return nil, err
		}
		function.EventID = event.ID
		function.StartsAt = fromMicros(startsAt)
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
	// Release the connection before the sectors query; SQLite runs on one.
	rows.Close()

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
	placeholders := make([]string, len(venueIDs))
	args := make([]interface{}, len(venueIDs))
	for i, id := range venueIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sector_id, venue_id, name
		FROM sectors
		WHERE venue_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY sector_id
	`, args...)
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
	var startsAt int64
	row := s.db.QueryRowContext(ctx, `
		SELECT function_id, event_id, name, starts_at, active
		FROM functions
		WHERE function_id = ?
	`, functionID)
	if err := row.Scan(&function.ID, &function.EventID, &function.Name, &startsAt, &function.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Function{}, store.ErrFunctionNotFound
		}
		return models.Function{}, err
	}
	function.StartsAt = fromMicros(startsAt)
	return function, nil
}

func (s *Store) SnapshotTickets(ctx context.Context, functionID int64) ([]models.SnapshotRow, error) {
	if _, err := s.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.code, t.status, tt.sector, tt.name, tt.is_bundle, tt.bundle_quantity, t.bundle_ref,
		       a.name, a.dni, c.name, c.dni, t.validated_at, t.updated_at
		FROM tickets t
		JOIN ticket_types tt ON tt.ticket_type_id = t.ticket_type_id
		LEFT JOIN assistants a ON a.assistant_id = t.assistant_id
		LEFT JOIN clients c ON c.client_id = t.client_id
		WHERE tt.function_id = ? AND t.status IN ('available', 'used')
		ORDER BY t.ticket_id
	`, functionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]models.SnapshotRow, 0)
	for rows.Next() {
		var row models.SnapshotRow
		var status string
		var bundleRef, assistantName, assistantDNI, clientName, clientDNI sql.NullString
		var validatedAt sql.NullInt64
		var updatedAt int64
		if err := rows.Scan(&row.Code, &status, &row.Sector, &row.TypeName, &row.IsBundle, &row.BundleQuantity, &bundleRef,
			&assistantName, &assistantDNI, &clientName, &clientDNI, &validatedAt, &updatedAt); err != nil {
			return nil, err
		}
		row.Status = models.TicketStatus(status)
		row.BundleRef = nullStringPtr(bundleRef)
		row.AssistantName = nullStringPtr(assistantName)
		row.AssistantDNI = nullStringPtr(assistantDNI)
		row.ClientName = nullStringPtr(clientName)
		row.ClientDNI = nullStringPtr(clientDNI)
		row.ValidatedAt = nullMicrosPtr(validatedAt)
		row.UpdatedAt = fromMicros(updatedAt)
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
	rows, err := s.db.QueryContext(ctx, ticketSelect+`
		WHERE tt.function_id = ? AND t.updated_at > ?
		ORDER BY t.updated_at, t.ticket_id
	`, functionID, toMicros(since))
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.SyncResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err = scansync.Apply(ctx, s.batch(tx), input)
	if err != nil {
		return store.SyncResult{}, err
	}
	if err = tx.Commit(); err != nil {
		return store.SyncResult{}, err
	}
	return result, nil
}

func (s *Store) GetTicketByCode(ctx context.Context, code string) (models.Ticket, error) {
	ticket, err := scanTicket(s.db.QueryRowContext(ctx, ticketSelect+` WHERE t.code = ?`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListScanLogs(ctx context.Context, code string) ([]models.ScanLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_log_id, ticket_id, function_id, device_uuid, device_name, result, server_result,
		       scanned_code, scanned_at, received_at, prev_hash, hash
		FROM scan_logs
		WHERE scanned_code = ?
		ORDER BY scan_log_id
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.ScanLogEntry, 0)
	for rows.Next() {
		var entry models.ScanLogEntry
		var ticketID, functionID sql.NullInt64
		var scannedAt, receivedAt int64
		if err := rows.Scan(&entry.ID, &ticketID, &functionID, &entry.DeviceUUID, &entry.DeviceName, &entry.Result,
			&entry.ServerResult, &entry.ScannedCode, &scannedAt, &receivedAt, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, err
		}
		entry.TicketID = nullInt64Ptr(ticketID)
		entry.FunctionID = nullInt64Ptr(functionID)
		entry.ScannedAt = fromMicros(scannedAt)
		entry.ReceivedAt = fromMicros(receivedAt)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ticket, err = scansync.ApplyOverride(ctx, s.batch(tx), input)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterID int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, aggregate_key, payload, created_at
		FROM outbox_events
		WHERE event_id > ?
		ORDER BY event_id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]store.OutboxEvent, 0)
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&event.EventID, &event.Type, &event.AggregateKey, &payload, &createdAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = fromMicros(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetRelayOffset(ctx context.Context, name string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, `SELECT last_event_id FROM relay_offsets WHERE name = ?`, name).Scan(&offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return offset, nil
}

func (s *Store) UpdateRelayOffset(ctx context.Context, name string, eventID int64) error {
	query := `
		INSERT INTO relay_offsets (name, last_event_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET last_event_id = MAX(relay_offsets.last_event_id, excluded.last_event_id),
		    updated_at = excluded.updated_at
	`
	if s.dialect == DialectMySQL {
		query = `
			INSERT INTO relay_offsets (name, last_event_id, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
			last_event_id = GREATEST(last_event_id, VALUES(last_event_id)),
			updated_at = VALUES(updated_at)
		`
	}
	_, err := s.db.ExecContext(ctx, query, name, eventID, toMicros(s.now()))
	return err
}

const ticketSelect = `
	SELECT t.ticket_id, t.code, t.status, t.ticket_type_id, tt.function_id, t.assistant_id, t.client_id,
	       t.bundle_ref, t.validated_at, t.validated_by, t.updated_at, t.created_at
	FROM tickets t
	JOIN ticket_types tt ON tt.ticket_type_id = t.ticket_type_id
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var assistantID, clientID, validatedAt sql.NullInt64
	var bundleRef, validatedBy sql.NullString
	var updatedAt, createdAt int64
	if err := row.Scan(&ticket.ID, &ticket.Code, &status, &ticket.TicketTypeID, &ticket.FunctionID, &assistantID, &clientID,
		&bundleRef, &validatedAt, &validatedBy, &updatedAt, &createdAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.TicketStatus(status)
	ticket.AssistantID = nullInt64Ptr(assistantID)
	ticket.ClientID = nullInt64Ptr(clientID)
	ticket.BundleRef = nullStringPtr(bundleRef)
	ticket.ValidatedAt = nullMicrosPtr(validatedAt)
	ticket.ValidatedBy = nullStringPtr(validatedBy)
	ticket.UpdatedAt = fromMicros(updatedAt)
	ticket.CreatedAt = fromMicros(createdAt)
	return ticket, nil
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

func nullMicrosPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMicros(value.Int64)
	return &t
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
