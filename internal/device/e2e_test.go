package device

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"ticketing/scanner-service/internal/httpapi"
	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/store"
	"ticketing/scanner-service/internal/store/sqldb"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedScannerDB(t *testing.T, db *sql.DB, startsAt time.Time, codes ...string) int64 {
	t.Helper()
	exec := func(query string, args ...any) int64 {
		t.Helper()
		res, err := db.Exec(query, args...)
		if err != nil {
			t.Fatalf("exec %q: %v", query, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			t.Fatalf("last insert id: %v", err)
		}
		return id
	}
	venueID := exec(`INSERT INTO venues (name) VALUES ('Arena')`)
	eventID := exec(`INSERT INTO events (venue_id, name) VALUES (?, 'Concierto')`, venueID)
	functionID := exec(`INSERT INTO functions (event_id, name, starts_at) VALUES (?, 'Noche', ?)`, eventID, startsAt.UnixMicro())
	typeID := exec(`INSERT INTO ticket_types (function_id, name, sector) VALUES (?, 'General', 'Campo')`, functionID)
	created := startsAt.Add(-24 * time.Hour).UnixMicro()
	for _, code := range codes {
		exec(`INSERT INTO tickets (code, ticket_type_id, status, created_at, updated_at) VALUES (?, ?, 'available', ?, ?)`,
			code, typeID, created, created)
	}
	return functionID
}

// Two doors scan the same ticket while offline, then reconcile through the
// real handler and SQLite store.
func TestTwoDoorsConvergeThroughServer(t *testing.T) {
	ctx := context.Background()
	clock := &steppingClock{now: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)}

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "e2e.db")+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := sqldb.New(db, sqldb.DialectSQLite, sqldb.Options{Clock: clock.Now})
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	functionID := seedScannerDB(t, db, clock.Now().Add(2*time.Hour), "ABC123", "XYZ789")

	handler := httpapi.NewHandler(st, httpapi.Options{
		Location:     testZone,
		ConfigWindow: 48 * time.Hour,
		MaxBatchSize: 100,
		Clock:        clock.Now,
	})
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	newDoor := func(uuid, name string) *Scanner {
		client := NewClient(srv.URL, models.Device{UUID: uuid, Name: name}, ClientOptions{})
		return NewScanner(client, ScannerConfig{FunctionID: functionID, Location: testZone, Clock: clock.Now})
	}
	doorA := newDoor("uuid-a", "Door A")
	doorB := newDoor("uuid-b", "Door B")

	cfg, err := doorA.client.Config(ctx)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if len(cfg.Events) != 1 || cfg.Events[0].Functions[0].ID != functionID {
		t.Fatalf("unexpected catalog %+v", cfg.Events)
	}

	for _, door := range []*Scanner{doorA, doorB} {
		if err := door.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
	}

	// Both doors admit ABC123 offline.
	clock.Advance(time.Minute)
	if outcome, _ := doorA.Scan("ABC123"); !outcome.Admitted {
		t.Fatalf("door A should admit locally: %+v", outcome)
	}
	clock.Advance(time.Second)
	if outcome, _ := doorB.Scan("ABC123"); !outcome.Admitted {
		t.Fatalf("door B should admit locally: %+v", outcome)
	}
	if outcome, _ := doorB.Scan("BOGUS"); outcome.Result != ResultInvalidCode {
		t.Fatalf("unexpected outcome for unknown code: %+v", outcome)
	}

	clock.Advance(time.Minute)
	if cleared, err := doorA.Flush(ctx); err != nil || cleared != 1 {
		t.Fatalf("door A flush: cleared %d err %v", cleared, err)
	}
	clock.Advance(time.Second)
	if cleared, err := doorB.Flush(ctx); err != nil || cleared != 2 {
		t.Fatalf("door B flush: cleared %d err %v", cleared, err)
	}
	if len(doorA.Pending()) != 0 || len(doorB.Pending()) != 0 {
		t.Fatalf("queues should be empty after acknowledged sync")
	}

	ticket, err := st.GetTicketByCode(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if ticket.Status != models.StatusUsed || ticket.ValidatedBy == nil || *ticket.ValidatedBy != "Door A" {
		t.Fatalf("first success should win: %+v", ticket)
	}
	logs, err := st.ListScanLogs(ctx, "ABC123")
	if err != nil {
		t.Fatalf("scan logs: %v", err)
	}
	if len(logs) != 2 || logs[1].ServerResult != models.ServerResultAlreadyUsed {
		t.Fatalf("expected both attempts logged, got %+v", logs)
	}
	if !store.VerifyScanChain(logs) {
		t.Fatalf("scan chain does not verify")
	}

	// The dashboard resets the ticket; door A picks it up through the delta feed.
	clock.Advance(time.Minute)
	if _, err := st.SetTicketStatus(ctx, store.OverrideInput{
		Code:       "ABC123",
		Status:     models.StatusAvailable,
		Actor:      "supervisor",
		OccurredAt: clock.Now(),
	}); err != nil {
		t.Fatalf("override: %v", err)
	}
	clock.Advance(time.Second)
	before := doorA.Cursor()
	if n, err := doorA.Refresh(ctx); err != nil || n != 1 {
		t.Fatalf("refresh: n %d err %v", n, err)
	}
	if doorA.Cursor() == before {
		t.Fatalf("cursor did not advance")
	}
	if local, _ := doorA.Ticket("ABC123"); local.Status != models.StatusAvailable {
		t.Fatalf("override not visible to door A: %+v", local)
	}
	if outcome, _ := doorA.Scan("ABC123"); !outcome.Admitted {
		t.Fatalf("reset ticket should be admissible again: %+v", outcome)
	}

	// Nothing changed since the last refresh.
	clock.Advance(time.Second)
	if n, err := doorA.Refresh(ctx); err != nil || n != 0 {
		t.Fatalf("second refresh: n %d err %v", n, err)
	}
}
