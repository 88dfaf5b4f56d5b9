package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/store"
)

// batchTx runs the reconciliation steps on one *sql.Tx. MySQL takes row
// locks with FOR UPDATE; SQLite already holds the database write lock from
// BEGIN IMMEDIATE.
type batchTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (s *Store) batch(tx *sql.Tx) *batchTx {
	return &batchTx{tx: tx, dialect: s.dialect}
}

func (b *batchTx) LockTicket(ctx context.Context, code string) (models.Ticket, bool, error) {
	query := ticketSelect + ` WHERE t.code = ?`
	if b.dialect == DialectMySQL {
		query += ` FOR UPDATE`
	}
	ticket, err := scanTicket(b.tx.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (b *batchTx) MarkTicketUsed(ctx context.Context, ticketID int64, validatedAt time.Time, deviceName string, updatedAt time.Time) error {
	res, err := b.tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, validated_at = ?, validated_by = ?, updated_at = ?
		WHERE ticket_id = ? AND status = ?
	`, string(models.StatusUsed), toMicros(validatedAt), deviceName, toMicros(updatedAt), ticketID, string(models.StatusAvailable))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("ticket %d: %w", ticketID, store.ErrInvalidState)
	}
	return nil
}

func (b *batchTx) UpdateTicketStatus(ctx context.Context, ticketID int64, status models.TicketStatus, validatedAt *time.Time, validatedBy *string, updatedAt time.Time) error {
	var at sql.NullInt64
	if validatedAt != nil {
		at = sql.NullInt64{Int64: toMicros(*validatedAt), Valid: true}
	}
	var by sql.NullString
	if validatedBy != nil {
		by = sql.NullString{String: *validatedBy, Valid: true}
	}
	_, err := b.tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, validated_at = ?, validated_by = ?, updated_at = ?
		WHERE ticket_id = ?
	`, string(status), at, by, toMicros(updatedAt), ticketID)
	return err
}

func (b *batchTx) LastScanHash(ctx context.Context, ticketID int64) (string, error) {
	var hash string
	err := b.tx.QueryRowContext(ctx, `
		SELECT hash FROM scan_logs
		WHERE ticket_id = ?
		ORDER BY scan_log_id DESC
		LIMIT 1
	`, ticketID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

func (b *batchTx) InsertScanLog(ctx context.Context, entry *models.ScanLogEntry) error {
	var ticketID, functionID sql.NullInt64
	if entry.TicketID != nil {
		ticketID = sql.NullInt64{Int64: *entry.TicketID, Valid: true}
	}
	if entry.FunctionID != nil {
		functionID = sql.NullInt64{Int64: *entry.FunctionID, Valid: true}
	}
	res, err := b.tx.ExecContext(ctx, `
		INSERT INTO scan_logs (
			ticket_id, function_id, device_uuid, device_name, result, server_result,
			scanned_code, scanned_at, received_at, prev_hash, hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, ticketID, functionID, entry.DeviceUUID, entry.DeviceName, entry.Result, entry.ServerResult,
		entry.ScannedCode, toMicros(entry.ScannedAt), toMicros(entry.ReceivedAt), entry.PrevHash, entry.Hash)
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (b *batchTx) InsertOutboxEvent(ctx context.Context, event store.OutboxEvent) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (type, aggregate_key, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, event.Type, event.AggregateKey, string(event.Payload), toMicros(event.CreatedAt))
	return err
}
