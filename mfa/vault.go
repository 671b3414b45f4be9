package mfa

import (
	"context"
	"errors"
	"time"
)

// ErrNotEnrolled is returned by vaults when a user has no secret
// record at all.
var ErrNotEnrolled = errors.New("mfa not enrolled")

// SecretRecord is the at-rest state for one user's TOTP enrollment.
// Ciphertext is the sealed shared secret; the plaintext only exists in
// memory during enrollment and verification.
type SecretRecord struct {
	Ciphertext []byte
	Enabled    bool
	// LastUsedCounter is the highest time-step counter a code was
	// accepted for. Codes at or below it are replays.
	LastUsedCounter int64
	EnrolledAt      time.Time
	EnabledAt       time.Time
}

// Vault is the durable store for TOTP secrets and backup code hashes.
// Implementations must make ConfirmEnrollment, Disable, and
// ConsumeBackupCode transactional: partial application of any of them
// leaves a user half-enrolled.
type Vault interface {
	// Secret returns the user's record, or ErrNotEnrolled.
	Secret(ctx context.Context, userID string) (*SecretRecord, error)

	// SaveSecret stores a pending enrollment, replacing any prior
	// pending record. Must refuse to overwrite an enabled record.
	SaveSecret(ctx context.Context, userID string, record *SecretRecord) error

	// ConfirmEnrollment atomically enables the pending record, stamps
	// the activation time and initial counter, and stores the backup
	// code hashes.
	ConfirmEnrollment(ctx context.Context, userID string, enabledAt time.Time, lastUsedCounter int64, codeHashes [][32]byte) error

	// UpdateLastUsed advances the replay watermark. Must never move it
	// backwards.
	UpdateLastUsed(ctx context.Context, userID string, counter int64) error

	// ReplaceBackupCodes swaps the full backup code set.
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes [][32]byte) error

	// ConsumeBackupCode deletes the matching unused hash and reports
	// whether one existed. At-most-once per hash under concurrency.
	ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error)

	// BackupCodeCount returns the number of unused codes remaining.
	BackupCodeCount(ctx context.Context, userID string) (int, error)

	// Disable atomically removes the secret record and all backup
	// codes.
	Disable(ctx context.Context, userID string) error
}
