package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/model"
)

type UserStore struct {
	db *sqlx.DB
}

func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db}
}

const userCols = `id, email, checkin_interval_hours, checkin_attempts, checkin_attempt_interval_hours,
	state, next_checkin_at, last_checkin_confirmed_at, last_checkin_attempt_at, checkin_attempts_sent,
	cooldown_warning_sent_at, delivered_at, delivery_notice_sent_at, delivery_dispatched_at,
	checkin_token_digest, checkin_token_purpose, checkin_token_expires_at,
	recovery_code_digest, recovery_code_viewed_at, created_at, updated_at`

// deliverable matches users with at least one message addressed to an
// accepted recipient that has registered a key.
const deliverable = `EXISTS (
	SELECT 1 FROM messages m
	JOIN message_recipients mr ON mr.message_id = m.id
	JOIN recipients r ON r.id = mr.recipient_id
	JOIN recipient_keys rk ON rk.recipient_id = r.id
	WHERE m.user_id = users.id AND r.state = 'accepted')`

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var interval, attempts, attemptInterval sql.NullInt64
	var nextCheckin, lastConfirmed, lastAttempt, cooldownWarning, delivered, noticeSent, dispatched sql.NullTime
	var tokenDigest, tokenPurpose, recoveryDigest sql.NullString
	var tokenExpires, recoveryViewed sql.NullTime

	err := scanner.Scan(
		&u.ID, &u.Email, &interval, &attempts, &attemptInterval,
		&u.State, &nextCheckin, &lastConfirmed, &lastAttempt, &u.CheckinAttemptsSent,
		&cooldownWarning, &delivered, &noticeSent, &dispatched,
		&tokenDigest, &tokenPurpose, &tokenExpires,
		&recoveryDigest, &recoveryViewed, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.CheckinIntervalHours = intPtr(interval)
	u.CheckinAttempts = intPtr(attempts)
	u.CheckinAttemptIntervalHours = intPtr(attemptInterval)
	u.NextCheckinAt = timePtr(nextCheckin)
	u.LastCheckinConfirmedAt = timePtr(lastConfirmed)
	u.LastCheckinAttemptAt = timePtr(lastAttempt)
	u.CooldownWarningSentAt = timePtr(cooldownWarning)
	u.DeliveredAt = timePtr(delivered)
	u.DeliveryNoticeSentAt = timePtr(noticeSent)
	u.DeliveryDispatchedAt = timePtr(dispatched)
	u.CheckinTokenDigest = tokenDigest.String
	u.CheckinTokenPurpose = tokenPurpose.String
	u.CheckinTokenExpiresAt = timePtr(tokenExpires)
	u.RecoveryCodeDigest = recoveryDigest.String
	u.RecoveryCodeViewedAt = timePtr(recoveryViewed)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create inserts u. The caller sets the schedule and recovery digest;
// Create fills in the id and timestamps.
func (s *UserStore) Create(ctx context.Context, u *model.User, now time.Time) (*model.User, error) {
	now = now.UTC()
	if u.State == "" {
		u.State = model.StateActive
	}
	id, err := insertReturningID(ctx, s.db,
		`INSERT INTO users (email, checkin_interval_hours, checkin_attempts, checkin_attempt_interval_hours,
			state, next_checkin_at, last_checkin_confirmed_at, recovery_code_digest, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		NormalizeEmail(u.Email), nullInt(u.CheckinIntervalHours), nullInt(u.CheckinAttempts),
		nullInt(u.CheckinAttemptIntervalHours), u.State, nullTime(u.NextCheckinAt),
		nullTime(u.LastCheckinConfirmedAt), nullString(u.RecoveryCodeDigest), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, s.db, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return getUser(ctx, s.db, `SELECT `+userCols+` FROM users WHERE email = ?`, NormalizeEmail(email))
}

func (s *UserStore) Delete(ctx context.Context, id int64) error {
	if _, err := exec(ctx, s.db, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// HasActiveMessages reports whether the user has a deliverable message set.
func (s *UserStore) HasActiveMessages(ctx context.Context, userID int64) (bool, error) {
	return hasActiveMessages(ctx, s.db, userID)
}

// InitialAttemptCandidates lists active users with deliverable messages who
// have not been sent an attempt this cycle. Due times are checked by the
// caller.
func (s *UserStore) InitialAttemptCandidates(ctx context.Context) ([]*model.User, error) {
	return listUsers(ctx, s.db,
		`SELECT `+userCols+` FROM users
		 WHERE state = 'active' AND checkin_attempts_sent = 0 AND next_checkin_at IS NOT NULL AND `+deliverable+`
		 ORDER BY id`)
}

// FollowupAttemptCandidates lists escalating users with at least one attempt
// sent and deliverable messages.
func (s *UserStore) FollowupAttemptCandidates(ctx context.Context) ([]*model.User, error) {
	return listUsers(ctx, s.db,
		`SELECT `+userCols+` FROM users
		 WHERE state IN ('active', 'grace', 'cooldown') AND checkin_attempts_sent > 0
		   AND last_checkin_attempt_at IS NOT NULL AND `+deliverable+`
		 ORDER BY id`)
}

// PingCandidates lists cooldown users with a trusted contact and
// deliverable messages.
func (s *UserStore) PingCandidates(ctx context.Context) ([]*model.User, error) {
	return listUsers(ctx, s.db,
		`SELECT `+userCols+` FROM users
		 WHERE state = 'cooldown'
		   AND EXISTS (SELECT 1 FROM trusted_contacts tc WHERE tc.user_id = users.id)
		   AND `+deliverable+`
		 ORDER BY id`)
}

// DeliveryCandidates lists cooldown users whose warning has gone out and
// who have deliverable messages.
func (s *UserStore) DeliveryCandidates(ctx context.Context) ([]*model.User, error) {
	return listUsers(ctx, s.db,
		`SELECT `+userCols+` FROM users
		 WHERE state = 'cooldown' AND cooldown_warning_sent_at IS NOT NULL AND `+deliverable+`
		 ORDER BY id`)
}

// DispatchPendingCandidates lists delivered users whose recipients have not
// yet been handed their links.
func (s *UserStore) DispatchPendingCandidates(ctx context.Context) ([]*model.User, error) {
	return listUsers(ctx, s.db,
		`SELECT `+userCols+` FROM users
		 WHERE state = 'delivered' AND delivery_dispatched_at IS NULL
		 ORDER BY id`)
}

// MarkDispatched records a completed dispatch. It reports false if the user
// is no longer delivered or was already marked.
func (s *UserStore) MarkDispatched(ctx context.Context, id int64, now time.Time) (bool, error) {
	n, err := exec(ctx, s.db,
		`UPDATE users SET delivery_dispatched_at = ?, updated_at = ?
		 WHERE id = ? AND state = 'delivered' AND delivery_dispatched_at IS NULL`,
		now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark user %d dispatched: %w", id, err)
	}
	return n > 0, nil
}

// CountByState returns the number of users in each lifecycle state.
func (s *UserStore) CountByState(ctx context.Context) (map[model.State]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT state, COUNT(*) FROM users GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count users by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.State]int)
	for rows.Next() {
		var st model.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func getUser(ctx context.Context, q queryer, query string, args ...any) (*model.User, error) {
	u, err := scanUser(q.QueryRowxContext(ctx, q.Rebind(query), args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func listUsers(ctx context.Context, q queryer, query string, args ...any) ([]*model.User, error) {
	rows, err := q.QueryxContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func hasActiveMessages(ctx context.Context, q queryer, userID int64) (bool, error) {
	var n int
	err := q.QueryRowxContext(ctx, q.Rebind(`SELECT COUNT(*) FROM users WHERE id = ? AND `+deliverable), userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active messages: %w", err)
	}
	return n > 0, nil
}

// LockUser loads a user for update.
func (t *Tx) LockUser(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, t.tx, `SELECT `+userCols+` FROM users WHERE id = ?`+t.forUpdate(), id)
}

// LockUserByEmail loads a user by normalized email for update.
func (t *Tx) LockUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return getUser(ctx, t.tx, `SELECT `+userCols+` FROM users WHERE email = ?`+t.forUpdate(), NormalizeEmail(email))
}

// LockUserByCheckinToken loads the user holding the token digest. Expiry and
// purpose are checked by the caller.
func (t *Tx) LockUserByCheckinToken(ctx context.Context, digest string) (*model.User, error) {
	if digest == "" {
		return nil, nil
	}
	return getUser(ctx, t.tx, `SELECT `+userCols+` FROM users WHERE checkin_token_digest = ?`+t.forUpdate(), digest)
}

// SaveUser writes back every lifecycle and security column of u.
func (t *Tx) SaveUser(ctx context.Context, u *model.User, now time.Time) error {
	u.UpdatedAt = now.UTC()
	_, err := exec(ctx, t.tx,
		`UPDATE users SET
			state = ?, next_checkin_at = ?, last_checkin_confirmed_at = ?, last_checkin_attempt_at = ?,
			checkin_attempts_sent = ?, cooldown_warning_sent_at = ?, delivered_at = ?, delivery_notice_sent_at = ?,
			delivery_dispatched_at = ?,
			checkin_token_digest = ?, checkin_token_purpose = ?, checkin_token_expires_at = ?,
			recovery_code_digest = ?, recovery_code_viewed_at = ?, updated_at = ?
		 WHERE id = ?`,
		u.State, nullTime(u.NextCheckinAt), nullTime(u.LastCheckinConfirmedAt), nullTime(u.LastCheckinAttemptAt),
		u.CheckinAttemptsSent, nullTime(u.CooldownWarningSentAt), nullTime(u.DeliveredAt), nullTime(u.DeliveryNoticeSentAt),
		nullTime(u.DeliveryDispatchedAt),
		nullString(u.CheckinTokenDigest), nullString(u.CheckinTokenPurpose), nullTime(u.CheckinTokenExpiresAt),
		nullString(u.RecoveryCodeDigest), nullTime(u.RecoveryCodeViewedAt), u.UpdatedAt,
		u.ID,
	)
	if err != nil {
		return fmt.Errorf("save user %d: %w", u.ID, err)
	}
	return nil
}

// UpdateSettings stores the user's check-in overrides. Nil restores the
// system default.
func (t *Tx) UpdateSettings(ctx context.Context, u *model.User, now time.Time) error {
	u.UpdatedAt = now.UTC()
	_, err := exec(ctx, t.tx,
		`UPDATE users SET checkin_interval_hours = ?, checkin_attempts = ?, checkin_attempt_interval_hours = ?, updated_at = ?
		 WHERE id = ?`,
		nullInt(u.CheckinIntervalHours), nullInt(u.CheckinAttempts), nullInt(u.CheckinAttemptIntervalHours), u.UpdatedAt, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user settings: %w", err)
	}
	return nil
}

// HasActiveMessages is UserStore.HasActiveMessages inside the transaction.
func (t *Tx) HasActiveMessages(ctx context.Context, userID int64) (bool, error) {
	return hasActiveMessages(ctx, t.tx, userID)
}
