package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/model"
)

// AuditStore is the append-only audit log.
type AuditStore struct {
	db *sqlx.DB
}

func NewAuditStore(db *sqlx.DB) *AuditStore {
	return &AuditStore{db: db}
}

const auditCols = `id, user_id, actor_type, action, metadata, created_at`

func scanAuditEvent(scanner interface{ Scan(...any) error }) (*model.AuditEvent, error) {
	var ev model.AuditEvent
	var userID sql.NullInt64
	var metadata []byte

	if err := scanner.Scan(&ev.ID, &userID, &ev.ActorType, &ev.Action, &metadata, &ev.CreatedAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		ev.UserID = &userID.Int64
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

func (s *AuditStore) Insert(ctx context.Context, ev model.AuditEvent) error {
	metadata := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = b
	}
	var userID sql.NullInt64
	if ev.UserID != nil {
		userID = sql.NullInt64{Int64: *ev.UserID, Valid: true}
	}
	_, err := exec(ctx, s.db,
		`INSERT INTO audit_logs (id, user_id, actor_type, action, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, userID, ev.ActorType, ev.Action, string(metadata), ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByUser returns a user's most recent events, newest first.
func (s *AuditStore) ListByUser(ctx context.Context, userID int64, limit int) ([]model.AuditEvent, error) {
	return s.list(ctx, `SELECT `+auditCols+` FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// ListByAction returns the most recent events with the given action.
func (s *AuditStore) ListByAction(ctx context.Context, action model.Action, limit int) ([]model.AuditEvent, error) {
	return s.list(ctx, `SELECT `+auditCols+` FROM audit_logs WHERE action = ? ORDER BY created_at DESC LIMIT ?`, action, limit)
}

func (s *AuditStore) list(ctx context.Context, query string, args ...any) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// DeleteBefore removes events created before cutoff.
func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := exec(ctx, s.db, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old audit events: %w", err)
	}
	return n, nil
}
