package mfa

import (
	"context"
	"encoding/base32"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authcore-dev/authcore/internal"
)

type memoryVault struct {
	mu      sync.Mutex
	secrets map[string]*SecretRecord
	codes   map[string]map[[32]byte]bool
}

func newMemoryVault() *memoryVault {
	return &memoryVault{
		secrets: map[string]*SecretRecord{},
		codes:   map[string]map[[32]byte]bool{},
	}
}

func (v *memoryVault) Secret(_ context.Context, userID string) (*SecretRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	record, ok := v.secrets[userID]
	if !ok {
		return nil, ErrNotEnrolled
	}
	clone := *record
	return &clone, nil
}

func (v *memoryVault) SaveSecret(_ context.Context, userID string, record *SecretRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.secrets[userID]; ok && existing.Enabled {
		return ErrAlreadyEnabled
	}
	clone := *record
	v.secrets[userID] = &clone
	return nil
}

func (v *memoryVault) ConfirmEnrollment(_ context.Context, userID string, enabledAt time.Time, lastUsedCounter int64, codeHashes [][32]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	record, ok := v.secrets[userID]
	if !ok {
		return ErrNotEnrolled
	}
	record.Enabled = true
	record.EnabledAt = enabledAt
	record.LastUsedCounter = lastUsedCounter

	set := make(map[[32]byte]bool, len(codeHashes))
	for _, h := range codeHashes {
		set[h] = true
	}
	v.codes[userID] = set
	return nil
}

func (v *memoryVault) UpdateLastUsed(_ context.Context, userID string, counter int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	record, ok := v.secrets[userID]
	if !ok {
		return ErrNotEnrolled
	}
	if counter > record.LastUsedCounter {
		record.LastUsedCounter = counter
	}
	return nil
}

func (v *memoryVault) ReplaceBackupCodes(_ context.Context, userID string, codeHashes [][32]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	set := make(map[[32]byte]bool, len(codeHashes))
	for _, h := range codeHashes {
		set[h] = true
	}
	v.codes[userID] = set
	return nil
}

func (v *memoryVault) ConsumeBackupCode(_ context.Context, userID string, codeHash [32]byte) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set := v.codes[userID]
	if !set[codeHash] {
		return false, nil
	}
	delete(set, codeHash)
	return true, nil
}

func (v *memoryVault) BackupCodeCount(_ context.Context, userID string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.codes[userID]), nil
}

func (v *memoryVault) Disable(_ context.Context, userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, userID)
	delete(v.codes, userID)
	return nil
}

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAuthenticator(t *testing.T) (*Authenticator, *memoryVault, *testClock) {
	t.Helper()

	vault := newMemoryVault()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}

	auth, err := NewAuthenticator(vault, internal.NoOpCipher{}, Config{
		Issuer: "authcore-test",
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new authenticator failed: %v", err)
	}
	return auth, vault, clock
}

func codeFor(t *testing.T, secretBase32 string, at time.Time) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	code, err := hotpCode(secret, at.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

func enrollAndConfirm(t *testing.T, auth *Authenticator, clock *testClock, userID string) (*Enrollment, []string) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := auth.Enroll(ctx, userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	codes, err := auth.Confirm(ctx, userID, codeFor(t, enrollment.SecretBase32, clock.Now()))
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	return enrollment, codes
}

func TestEnrollProducesProvisionURI(t *testing.T) {
	auth, _, _ := newTestAuthenticator(t)

	enrollment, err := auth.Enroll(context.Background(), "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if enrollment.SecretBase32 == "" {
		t.Fatal("expected base32 secret")
	}
	if !strings.HasPrefix(enrollment.ProvisionURI, "otpauth://totp/") {
		t.Fatalf("unexpected provision URI: %q", enrollment.ProvisionURI)
	}
	if !strings.Contains(enrollment.ProvisionURI, "issuer=authcore-test") {
		t.Fatalf("expected issuer in URI: %q", enrollment.ProvisionURI)
	}
}

func TestConfirmIssuesExactlyTenBackupCodes(t *testing.T) {
	auth, vault, clock := newTestAuthenticator(t)
	_, codes := enrollAndConfirm(t, auth, clock, "u1")

	if len(codes) != DefaultBackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", DefaultBackupCodeCount, len(codes))
	}

	remaining, err := auth.BackupCodesRemaining(context.Background(), "u1")
	if err != nil {
		t.Fatalf("backup code count failed: %v", err)
	}
	if remaining != DefaultBackupCodeCount {
		t.Fatalf("expected %d stored hashes, got %d", DefaultBackupCodeCount, remaining)
	}

	// Only hashes persist, never the plaintext codes.
	record, err := vault.Secret(context.Background(), "u1")
	if err != nil {
		t.Fatalf("secret lookup failed: %v", err)
	}
	if !record.Enabled {
		t.Fatal("expected enabled record after confirm")
	}
}

func TestConfirmWrongCodeRejected(t *testing.T) {
	auth, _, _ := newTestAuthenticator(t)
	ctx := context.Background()

	if _, err := auth.Enroll(ctx, "u1", "u1@example.com"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if _, err := auth.Confirm(ctx, "u1", "000000"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}

	enabled, err := auth.Enabled(ctx, "u1")
	if err != nil {
		t.Fatalf("enabled check failed: %v", err)
	}
	if enabled {
		t.Fatal("failed confirm must not enable the enrollment")
	}
}

func TestVerifyAcceptsFreshCodeOnce(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	enrollment, _ := enrollAndConfirm(t, auth, clock, "u1")
	ctx := context.Background()

	// Move to the next time step so the confirmation code is not the
	// current one.
	clock.Advance(30 * time.Second)
	code := codeFor(t, enrollment.SecretBase32, clock.Now())

	ok, err := auth.Verify(ctx, "u1", code)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected fresh code accepted")
	}

	// Same code, same step: replay. Result is indistinguishable from a
	// wrong code.
	ok, err = auth.Verify(ctx, "u1", code)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if ok {
		t.Fatal("expected replayed code rejected")
	}
}

func TestVerifyWrongCodeFalse(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	enrollAndConfirm(t, auth, clock, "u1")

	ok, err := auth.Verify(context.Background(), "u1", "000000")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if ok {
		t.Fatal("expected wrong code rejected")
	}
}

func TestVerifyRequiresEnabledEnrollment(t *testing.T) {
	auth, _, _ := newTestAuthenticator(t)
	ctx := context.Background()

	if _, err := auth.Verify(ctx, "ghost", "123456"); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled for unknown user, got %v", err)
	}

	if _, err := auth.Enroll(ctx, "u1", "u1@example.com"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if _, err := auth.Verify(ctx, "u1", "123456"); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled for pending enrollment, got %v", err)
	}
}

func TestBackupCodeSingleConsumption(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	_, codes := enrollAndConfirm(t, auth, clock, "u1")
	ctx := context.Background()

	ok, err := auth.VerifyBackup(ctx, "u1", codes[0])
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected backup code accepted")
	}

	ok, err = auth.VerifyBackup(ctx, "u1", codes[0])
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	if ok {
		t.Fatal("expected consumed backup code rejected")
	}

	remaining, err := auth.BackupCodesRemaining(ctx, "u1")
	if err != nil {
		t.Fatalf("backup code count failed: %v", err)
	}
	if remaining != DefaultBackupCodeCount-1 {
		t.Fatalf("expected %d remaining, got %d", DefaultBackupCodeCount-1, remaining)
	}
}

func TestBackupCodeNormalization(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	_, codes := enrollAndConfirm(t, auth, clock, "u1")

	// Lowercased, spaced entry of the same code still matches.
	mangled := " " + strings.ToLower(strings.ReplaceAll(codes[1], "-", " ")) + " "
	ok, err := auth.VerifyBackup(context.Background(), "u1", mangled)
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected normalized backup code accepted")
	}
}

func TestRegenerateInvalidatesOldCodes(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	_, oldCodes := enrollAndConfirm(t, auth, clock, "u1")
	ctx := context.Background()

	newCodes, err := auth.Regenerate(ctx, "u1")
	if err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if len(newCodes) != DefaultBackupCodeCount {
		t.Fatalf("expected %d new codes, got %d", DefaultBackupCodeCount, len(newCodes))
	}

	ok, err := auth.VerifyBackup(ctx, "u1", oldCodes[0])
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	if ok {
		t.Fatal("expected old code invalid after regeneration")
	}

	ok, err = auth.VerifyBackup(ctx, "u1", newCodes[0])
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected new code accepted")
	}
}

func TestDisableClearsEverything(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	enrollment, codes := enrollAndConfirm(t, auth, clock, "u1")
	ctx := context.Background()

	if err := auth.Disable(ctx, "u1"); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	enabled, err := auth.Enabled(ctx, "u1")
	if err != nil {
		t.Fatalf("enabled check failed: %v", err)
	}
	if enabled {
		t.Fatal("expected disabled enrollment")
	}

	clock.Advance(30 * time.Second)
	if _, err := auth.Verify(ctx, "u1", codeFor(t, enrollment.SecretBase32, clock.Now())); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled after disable, got %v", err)
	}
	if _, err := auth.VerifyBackup(ctx, "u1", codes[0]); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled after disable, got %v", err)
	}
}

func TestEnrollWhileEnabledRejected(t *testing.T) {
	auth, _, clock := newTestAuthenticator(t)
	enrollAndConfirm(t, auth, clock, "u1")

	if _, err := auth.Enroll(context.Background(), "u1", "u1@example.com"); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}
}

func TestSealedSecretRoundTrip(t *testing.T) {
	vault := newMemoryVault()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := internal.NewAESGCMCipher(key)
	if err != nil {
		t.Fatalf("cipher init failed: %v", err)
	}

	auth, err := NewAuthenticator(vault, cipher, Config{Now: clock.Now})
	if err != nil {
		t.Fatalf("new authenticator failed: %v", err)
	}
	ctx := context.Background()

	enrollment, err := auth.Enroll(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	// The stored ciphertext must not contain the raw secret.
	record, err := vault.Secret(ctx, "u1")
	if err != nil {
		t.Fatalf("secret lookup failed: %v", err)
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(enrollment.SecretBase32)
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	if strings.Contains(string(record.Ciphertext), string(raw)) {
		t.Fatal("secret stored unsealed")
	}

	if _, err := auth.Confirm(ctx, "u1", codeFor(t, enrollment.SecretBase32, clock.Now())); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	clock.Advance(30 * time.Second)
	ok, err := auth.Verify(ctx, "u1", codeFor(t, enrollment.SecretBase32, clock.Now()))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected code accepted against sealed secret")
	}
}
