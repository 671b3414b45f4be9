package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/authcore-dev/authcore/session"
)

// SessionStore implements session.Records over Postgres.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore wraps an open database handle.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `session_id, user_id, role, permissions, ip_hash, device_hash,
	mfa_verified, remember_me, refresh_hash, state, revoke_reason,
	created_at, last_activity_at, expires_at`

func (s *SessionStore) Insert(ctx context.Context, sess *session.Session) error {
	permissions, err := json.Marshal(sess.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sess.SessionID, sess.UserID, sess.Role, permissions,
		sess.IPHash[:], sess.DeviceHash[:],
		sess.MFAVerified, sess.RememberMe, sess.RefreshTokenHash[:],
		int16(sess.State), sess.RevokeReason,
		sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM auth_sessions
		WHERE session_id = $1`,
		sessionID,
	)
	return scanSession(row)
}

func (s *SessionStore) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET last_activity_at = $1
		WHERE session_id = $2`,
		at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// RotateRefresh is the compare-and-swap at the heart of reuse
// detection: the hash swap applies only when the stored hash still
// equals current, in a single UPDATE.
func (s *SessionStore) RotateRefresh(ctx context.Context, sessionID string, current, next [32]byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET refresh_hash = $1, last_activity_at = $2
		WHERE session_id = $3 AND refresh_hash = $4 AND state = 0`,
		next[:], at, sessionID, current[:],
	)
	if err != nil {
		return fmt.Errorf("rotate refresh: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate refresh: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Zero rows: either the session is gone or someone else holds the
	// rotation. Tell them apart for the caller.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM auth_sessions WHERE session_id = $1)`,
		sessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("rotate refresh: %w", err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrRefreshMismatch
}

func (s *SessionStore) Terminate(ctx context.Context, sessionID string, state session.State, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET state = $1, revoke_reason = $2, last_activity_at = $3
		WHERE session_id = $4 AND state = 0`,
		int16(state), reason, at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM auth_sessions WHERE session_id = $1)`,
		sessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if !exists {
		return session.ErrNotFound
	}
	// Already terminal.
	return nil
}

func (s *SessionStore) TerminateAllForUser(ctx context.Context, userID string, state session.State, reason string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE auth_sessions
		SET state = $1, revoke_reason = $2, last_activity_at = $3
		WHERE user_id = $4 AND state = 0
		RETURNING session_id`,
		int16(state), reason, at, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("terminate user sessions: %w", err)
	}
	defer rows.Close()

	var touched []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		touched = append(touched, sessionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("terminate user sessions: %w", err)
	}
	return touched, nil
}

func (s *SessionStore) ListActiveForUser(ctx context.Context, userID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM auth_sessions
		WHERE user_id = $1 AND state = 0
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess        session.Session
		permissions []byte
		ipHash      []byte
		deviceHash  []byte
		refreshHash []byte
		state       int16
	)
	err := row.Scan(
		&sess.SessionID, &sess.UserID, &sess.Role, &permissions,
		&ipHash, &deviceHash,
		&sess.MFAVerified, &sess.RememberMe, &refreshHash,
		&state, &sess.RevokeReason,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if err := json.Unmarshal(permissions, &sess.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	copy(sess.IPHash[:], ipHash)
	copy(sess.DeviceHash[:], deviceHash)
	copy(sess.RefreshTokenHash[:], refreshHash)
	sess.State = session.State(state)

	return &sess, nil
}
