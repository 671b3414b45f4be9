// Package mfa implements TOTP second-factor enrollment and
// verification with single-use backup codes. Code derivation follows
// RFC 4226/6238 directly; secrets are sealed before they reach the
// vault.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authcore-dev/authcore/internal"
)

// ErrAlreadyEnabled is returned when enrolling or confirming a user
// whose TOTP is already active.
var ErrAlreadyEnabled = errors.New("totp already enabled")

// ErrNotEnabled is returned when verifying against a pending or
// missing enrollment.
var ErrNotEnabled = errors.New("totp not enabled")

// ErrCodeInvalid is returned by Confirm when the proof code does not
// match. Verify never returns it: a wrong code and a replayed code are
// both just false there.
var ErrCodeInvalid = errors.New("invalid totp code")

// DefaultBackupCodeCount is the number of single-use recovery codes
// issued at confirmation.
const DefaultBackupCodeCount = 10

// Config tunes the authenticator. Zero values pick the standard
// 6-digit, 30-second, SHA1, ±1-step profile.
type Config struct {
	Issuer          string
	Digits          int
	Period          int
	Skew            int
	Algorithm       string
	BackupCodeCount int
	Now             func() time.Time
}

// Enrollment is handed to the user exactly once, at enrollment time.
type Enrollment struct {
	SecretBase32 string
	ProvisionURI string
}

// Authenticator drives the TOTP lifecycle against a [Vault]. Secrets
// are sealed with the given cipher before storage and opened only for
// the duration of a verification.
type Authenticator struct {
	vault       Vault
	cipher      internal.Cipher
	codec       totpCodec
	backupCodes int
	now         func() time.Time
}

// NewAuthenticator creates an [Authenticator].
func NewAuthenticator(vault Vault, cipher internal.Cipher, cfg Config) (*Authenticator, error) {
	if vault == nil {
		return nil, errors.New("mfa vault is required")
	}
	if cipher == nil {
		return nil, errors.New("mfa cipher is required")
	}

	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Digits < 6 || cfg.Digits > 10 {
		return nil, errors.New("totp digits must be 6..10")
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Period < 15 || cfg.Period > 120 {
		return nil, errors.New("totp period must be 15..120 seconds")
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	if cfg.Skew < 0 || cfg.Skew > 2 {
		return nil, errors.New("totp skew must be 0..2 steps")
	}
	if _, err := hmacFunc(cfg.Algorithm); err != nil {
		return nil, err
	}
	if cfg.BackupCodeCount == 0 {
		cfg.BackupCodeCount = DefaultBackupCodeCount
	}
	if cfg.BackupCodeCount < 1 || cfg.BackupCodeCount > 20 {
		return nil, errors.New("backup code count must be 1..20")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "authcore"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Authenticator{
		vault:  vault,
		cipher: cipher,
		codec: totpCodec{
			issuer:    cfg.Issuer,
			digits:    cfg.Digits,
			period:    cfg.Period,
			skew:      cfg.Skew,
			algorithm: cfg.Algorithm,
		},
		backupCodes: cfg.BackupCodeCount,
		now:         now,
	}, nil
}

// Enroll generates a fresh secret for the user and stores it sealed,
// in a pending state. Re-enrolling before confirmation replaces the
// pending secret; enrolling while enabled is rejected.
func (a *Authenticator) Enroll(ctx context.Context, userID, account string) (*Enrollment, error) {
	existing, err := a.vault.Secret(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotEnrolled) {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, ErrAlreadyEnabled
	}

	raw, encoded, err := a.codec.generateSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := a.cipher.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("seal totp secret: %w", err)
	}

	record := &SecretRecord{
		Ciphertext:      sealed,
		Enabled:         false,
		LastUsedCounter: -1,
		EnrolledAt:      a.now(),
	}
	if err := a.vault.SaveSecret(ctx, userID, record); err != nil {
		return nil, err
	}

	return &Enrollment{
		SecretBase32: encoded,
		ProvisionURI: a.codec.provisionURI(encoded, account),
	}, nil
}

// Confirm proves possession of the enrolled secret and activates it.
// On success it issues the backup code set; the plaintext codes are
// returned exactly once and only their hashes persist.
func (a *Authenticator) Confirm(ctx context.Context, userID, code string) ([]string, error) {
	record, err := a.vault.Secret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record.Enabled {
		return nil, ErrAlreadyEnabled
	}

	secret, err := a.cipher.Open(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open totp secret: %w", err)
	}

	now := a.now()
	ok, counter, err := a.codec.verifyCode(secret, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCodeInvalid
	}

	codes, hashes, err := a.generateBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := a.vault.ConfirmEnrollment(ctx, userID, now, counter, hashes); err != nil {
		return nil, err
	}

	return codes, nil
}

// Verify checks a TOTP code for an enabled enrollment. A wrong code
// and a replay of an already-consumed time step both return false;
// callers cannot tell them apart. Errors are reserved for missing
// enrollment and store failures.
func (a *Authenticator) Verify(ctx context.Context, userID, code string) (bool, error) {
	record, err := a.vault.Secret(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return false, ErrNotEnabled
		}
		return false, err
	}
	if !record.Enabled {
		return false, ErrNotEnabled
	}

	secret, err := a.cipher.Open(record.Ciphertext)
	if err != nil {
		return false, fmt.Errorf("open totp secret: %w", err)
	}

	ok, counter, err := a.codec.verifyCode(secret, code, a.now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if counter <= record.LastUsedCounter {
		// Replay of a consumed step. Indistinguishable from invalid.
		return false, nil
	}

	if err := a.vault.UpdateLastUsed(ctx, userID, counter); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyBackup consumes a backup code. Each code works at most once;
// unknown and already-used codes both return false.
func (a *Authenticator) VerifyBackup(ctx context.Context, userID, code string) (bool, error) {
	record, err := a.vault.Secret(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return false, ErrNotEnabled
		}
		return false, err
	}
	if !record.Enabled {
		return false, ErrNotEnabled
	}

	canonical := internal.CanonicalBackupCode(code)
	if canonical == "" {
		return false, nil
	}

	return a.vault.ConsumeBackupCode(ctx, userID, internal.BackupCodeHash(userID, canonical))
}

// Regenerate replaces the backup code set. Every previously issued
// code stops working immediately.
func (a *Authenticator) Regenerate(ctx context.Context, userID string) ([]string, error) {
	record, err := a.vault.Secret(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return nil, ErrNotEnabled
		}
		return nil, err
	}
	if !record.Enabled {
		return nil, ErrNotEnabled
	}

	codes, hashes, err := a.generateBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := a.vault.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}

	return codes, nil
}

// Disable removes the enrollment and all backup codes in one vault
// transaction. Idempotent: disabling a user who never enrolled is not
// an error.
func (a *Authenticator) Disable(ctx context.Context, userID string) error {
	return a.vault.Disable(ctx, userID)
}

// Enabled reports whether the user has an active enrollment.
func (a *Authenticator) Enabled(ctx context.Context, userID string) (bool, error) {
	record, err := a.vault.Secret(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return false, nil
		}
		return false, err
	}
	return record.Enabled, nil
}

// BackupCodesRemaining returns the unused backup code count.
func (a *Authenticator) BackupCodesRemaining(ctx context.Context, userID string) (int, error) {
	return a.vault.BackupCodeCount(ctx, userID)
}

func (a *Authenticator) generateBackupCodes(userID string) ([]string, [][32]byte, error) {
	codes := make([]string, 0, a.backupCodes)
	hashes := make([][32]byte, 0, a.backupCodes)

	for i := 0; i < a.backupCodes; i++ {
		code, err := internal.NewBackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, internal.BackupCodeHash(userID, internal.CanonicalBackupCode(code)))
	}

	return codes, hashes, nil
}
