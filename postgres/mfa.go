package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/authcore-dev/authcore/mfa"
)

// MFAVault implements mfa.Vault over Postgres. The transactional
// operations (ConfirmEnrollment, Disable) run both tables in one
// transaction so a user can never end up half-enrolled.
type MFAVault struct {
	db *sql.DB
}

// NewMFAVault wraps an open database handle.
func NewMFAVault(db *sql.DB) *MFAVault {
	return &MFAVault{db: db}
}

func (v *MFAVault) Secret(ctx context.Context, userID string) (*mfa.SecretRecord, error) {
	var (
		record    mfa.SecretRecord
		enabledAt sql.NullTime
	)
	err := v.db.QueryRowContext(ctx, `
		SELECT ciphertext, enabled, last_used_counter, enrolled_at, enabled_at
		FROM mfa_secrets
		WHERE user_id = $1`,
		userID,
	).Scan(&record.Ciphertext, &record.Enabled, &record.LastUsedCounter, &record.EnrolledAt, &enabledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mfa.ErrNotEnrolled
		}
		return nil, fmt.Errorf("load mfa secret: %w", err)
	}
	if enabledAt.Valid {
		record.EnabledAt = enabledAt.Time
	}
	return &record, nil
}

func (v *MFAVault) SaveSecret(ctx context.Context, userID string, record *mfa.SecretRecord) error {
	// The upsert replaces a pending enrollment but refuses to touch an
	// enabled one.
	res, err := v.db.ExecContext(ctx, `
		INSERT INTO mfa_secrets (user_id, ciphertext, enabled, last_used_counter, enrolled_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext,
		    last_used_counter = EXCLUDED.last_used_counter,
		    enrolled_at = EXCLUDED.enrolled_at
		WHERE NOT mfa_secrets.enabled`,
		userID, record.Ciphertext, record.LastUsedCounter, record.EnrolledAt,
	)
	if err != nil {
		return fmt.Errorf("save mfa secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save mfa secret: %w", err)
	}
	if n == 0 {
		return mfa.ErrAlreadyEnabled
	}
	return nil
}

func (v *MFAVault) ConfirmEnrollment(ctx context.Context, userID string, enabledAt time.Time, lastUsedCounter int64, codeHashes [][32]byte) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("confirm enrollment: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mfa_secrets
		SET enabled = TRUE, enabled_at = $1, last_used_counter = $2
		WHERE user_id = $3 AND NOT enabled`,
		enabledAt, lastUsedCounter, userID,
	)
	if err != nil {
		return fmt.Errorf("confirm enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm enrollment: %w", err)
	}
	if n == 0 {
		return mfa.ErrNotEnrolled
	}

	if err := replaceCodesTx(ctx, tx, userID, codeHashes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("confirm enrollment: %w", err)
	}
	return nil
}

// UpdateLastUsed advances the replay watermark. The guard in the WHERE
// clause makes a stale write a no-op rather than a regression.
func (v *MFAVault) UpdateLastUsed(ctx context.Context, userID string, counter int64) error {
	_, err := v.db.ExecContext(ctx, `
		UPDATE mfa_secrets
		SET last_used_counter = $1
		WHERE user_id = $2 AND last_used_counter < $1`,
		counter, userID,
	)
	if err != nil {
		return fmt.Errorf("update replay watermark: %w", err)
	}
	return nil
}

func (v *MFAVault) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes [][32]byte) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	defer tx.Rollback()

	if err := replaceCodesTx(ctx, tx, userID, codeHashes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	return nil
}

// ConsumeBackupCode deletes the matching hash. The row delete is the
// atomicity: two concurrent presentations of the same code race on one
// row, and exactly one DELETE reports an affected row.
func (v *MFAVault) ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error) {
	res, err := v.db.ExecContext(ctx, `
		DELETE FROM mfa_backup_codes
		WHERE user_id = $1 AND code_hash = $2`,
		userID, codeHash[:],
	)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return n > 0, nil
}

func (v *MFAVault) BackupCodeCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count backup codes: %w", err)
	}
	return count, nil
}

func (v *MFAVault) Disable(ctx context.Context, userID string) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_secrets WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	return nil
}

func replaceCodesTx(ctx context.Context, tx *sql.Tx, userID string, codeHashes [][32]byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, hash := range codeHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mfa_backup_codes (user_id, code_hash) VALUES ($1, $2)`,
			userID, hash[:],
		); err != nil {
			return fmt.Errorf("store backup code: %w", err)
		}
	}
	return nil
}
