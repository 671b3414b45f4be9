package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	csrfSecretSize   = 32
	backupCodeGroups = 2
	backupCodeChars  = 5
)

// backupCodeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const backupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NewCacheKeyID returns a compact random identifier, base64url without
// padding. Used for session IDs and MFA challenge IDs.
func NewCacheKeyID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewCSRFSecret returns a random CSRF pairing value, base64url encoded.
func NewCSRFSecret() (string, error) {
	var raw [csrfSecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewBackupCode returns a human-enterable backup code in the form
// XXXXX-XXXXX from an unambiguous alphabet.
func NewBackupCode() (string, error) {
	var b strings.Builder
	b.Grow(backupCodeGroups*backupCodeChars + backupCodeGroups - 1)

	for g := 0; g < backupCodeGroups; g++ {
		if g > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < backupCodeChars; i++ {
			idx, err := randomIndex(len(backupCodeAlphabet))
			if err != nil {
				return "", err
			}
			b.WriteByte(backupCodeAlphabet[idx])
		}
	}

	return b.String(), nil
}

// CanonicalBackupCode normalizes user input before hashing: uppercase,
// separators stripped.
func CanonicalBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// BackupCodeHash binds a backup code hash to its owner so identical
// codes across users never collide in storage.
func BackupCodeHash(userID, canonicalCode string) [32]byte {
	return sha256.Sum256([]byte(userID + ":" + canonicalCode))
}

// HashToken hashes opaque token material for at-rest comparison.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// HashBinding hashes request binding attributes (IP, user agent).
// Empty input yields the zero hash so absent attributes compare equal.
func HashBinding(value string) [32]byte {
	if value == "" {
		return [32]byte{}
	}
	return sha256.Sum256([]byte(value))
}

// ConstantTimeEquals compares two strings without leaking a timing
// signal on mismatch position.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomIndex(n int) (int, error) {
	if n <= 0 || n > 256 {
		return 0, errors.New("invalid alphabet size")
	}

	// Rejection sampling keeps the distribution uniform.
	limit := 256 - (256 % n)
	var buf [1]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		if int(buf[0]) < limit {
			return int(buf[0]) % n, nil
		}
	}
}
