package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestConcurrentSyncAdmitsOnce(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx, time.Now)
	t.Cleanup(cleanup)

	fixture := seedBaseData(t, ctx, pool)
	seedTicket(t, ctx, pool, fixture.ticketTypeID, "ABC123", models.StatusAvailable)

	var wg sync.WaitGroup
	results := make(chan syncOutcome, 2)
	for _, device := range []string{"Door A", "Door B"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			result, err := st.SyncScans(ctx, store.SyncInput{
				Device: models.Device{UUID: uuid.NewString(), Name: name},
				Scans:  []store.ScanInput{{Code: "ABC123", Result: models.ResultSuccess, ScannedAt: time.Now().UTC().Truncate(time.Microsecond)}},
			})
			results <- syncOutcome{admitted: result.Admitted, err: err}
		}(device)
	}
	wg.Wait()
	close(results)

	admitted := 0
	for outcome := range results {
		if outcome.err != nil {
			t.Fatalf("sync: %v", outcome.err)
		}
		admitted += outcome.admitted
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}

	logs, err := st.ListScanLogs(ctx, "ABC123")
	if err != nil {
		t.Fatalf("list scan logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 scan logs, got %d", len(logs))
	}
	if !store.VerifyScanChain(logs) {
		t.Fatalf("expected valid hash chain")
	}
}

func TestSyncUnknownCodeAndOutbox(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx, time.Now)
	t.Cleanup(cleanup)

	fixture := seedBaseData(t, ctx, pool)
	seedTicket(t, ctx, pool, fixture.ticketTypeID, "ABC123", models.StatusAvailable)

	result, err := st.SyncScans(ctx, store.SyncInput{
		Device: models.Device{UUID: "dev-1", Name: "Door A"},
		Scans: []store.ScanInput{
			{Code: "ZZZ999", Result: models.ResultSuccess, ScannedAt: time.Now().UTC()},
			{Code: "ABC123", Result: models.ResultSuccess, ScannedAt: time.Now().UTC()},
		},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if strings.Join(result.Received, ",") != "ZZZ999,ABC123" {
		t.Fatalf("unexpected acknowledgement %v", result.Received)
	}

	var unknownTicket *int64
	var unknownResult string
	if err := pool.QueryRow(ctx, `SELECT ticket_id, result FROM scan_logs WHERE scanned_code = 'ZZZ999'`).Scan(&unknownTicket, &unknownResult); err != nil {
		t.Fatalf("read unknown log: %v", err)
	}
	if unknownTicket != nil || unknownResult != models.ResultInvalidCode {
		t.Fatalf("expected invalid_code with no ticket, got %v %s", unknownTicket, unknownResult)
	}

	events, err := st.ListOutboxEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventTicketUsed || events[0].AggregateKey != "ABC123" {
		t.Fatalf("unexpected outbox events %+v", events)
	}

	if err := st.UpdateRelayOffset(ctx, "kafka", events[0].EventID); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	offset, err := st.GetRelayOffset(ctx, "kafka")
	if err != nil || offset != events[0].EventID {
		t.Fatalf("expected offset %d, got %d (%v)", events[0].EventID, offset, err)
	}
}

func TestSnapshotAndDeltaFeed(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st, pool, cleanup := setupTestStore(t, ctx, clock.Now)
	t.Cleanup(cleanup)

	fixture := seedBaseData(t, ctx, pool)
	for i := 0; i < 5; i++ {
		seedTicket(t, ctx, pool, fixture.ticketTypeID, fmt.Sprintf("AV%d", i), models.StatusAvailable)
	}
	for i := 0; i < 2; i++ {
		seedTicket(t, ctx, pool, fixture.ticketTypeID, fmt.Sprintf("US%d", i), models.StatusUsed)
	}
	for i := 0; i < 3; i++ {
		seedTicket(t, ctx, pool, fixture.ticketTypeID, fmt.Sprintf("CX%d", i), models.StatusCancelled)
	}

	rows, err := st.SnapshotTickets(ctx, fixture.functionID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(rows) != 7 {
		t.Fatalf("expected 7 snapshot rows, got %d", len(rows))
	}

	since := clock.Now()
	clock.Advance(time.Minute)
	if _, err := st.SetTicketStatus(ctx, store.OverrideInput{Code: "US0", Status: models.StatusAvailable}); err != nil {
		t.Fatalf("override: %v", err)
	}
	updates, err := st.TicketUpdatesSince(ctx, fixture.functionID, since)
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(updates) != 1 || updates[0].Code != "US0" || updates[0].Status != models.StatusAvailable {
		t.Fatalf("expected US0 back to available, got %+v", updates)
	}

	if _, err := st.SnapshotTickets(ctx, fixture.functionID+1000); !errors.Is(err, store.ErrFunctionNotFound) {
		t.Fatalf("expected function not found, got %v", err)
	}
}

type syncOutcome struct {
	admitted int
	err      error
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type baseFixture struct {
	functionID   int64
	ticketTypeID int64
}

func setupTestStore(t *testing.T, ctx context.Context, clock func() time.Time) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execAdmin(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = execAdmin(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool, Options{Clock: clock}), pool, cleanup
}

func execAdmin(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}

func seedBaseData(t *testing.T, ctx context.Context, pool *pgxpool.Pool) baseFixture {
	t.Helper()
	var venueID, eventID int64
	var fixture baseFixture
	if err := pool.QueryRow(ctx, `INSERT INTO venues (name) VALUES ('Teatro') RETURNING venue_id`).Scan(&venueID); err != nil {
		t.Fatalf("insert venue: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO events (venue_id, name) VALUES ($1, 'Show') RETURNING event_id`, venueID).Scan(&eventID); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO functions (event_id, name, starts_at) VALUES ($1, 'Opening', $2) RETURNING function_id
	`, eventID, time.Now().Add(24*time.Hour)).Scan(&fixture.functionID); err != nil {
		t.Fatalf("insert function: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO ticket_types (function_id, name, sector) VALUES ($1, 'General', 'Platea') RETURNING ticket_type_id
	`, fixture.functionID).Scan(&fixture.ticketTypeID); err != nil {
		t.Fatalf("insert ticket type: %v", err)
	}
	return fixture
}

func seedTicket(t *testing.T, ctx context.Context, pool *pgxpool.Pool, ticketTypeID int64, code string, status models.TicketStatus) {
	t.Helper()
	at := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	if _, err := pool.Exec(ctx, `
		INSERT INTO tickets (code, ticket_type_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
	`, code, ticketTypeID, string(status), at); err != nil {
		t.Fatalf("insert ticket %s: %v", code, err)
	}
}
