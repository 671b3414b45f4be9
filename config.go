package authcore

import (
	"errors"
	"time"

	"github.com/authcore-dev/authcore/mfa"
	"github.com/authcore-dev/authcore/password"
	"github.com/authcore-dev/authcore/ratelimit"
	"github.com/authcore-dev/authcore/session"
	"github.com/authcore-dev/authcore/token"
)

// ChallengeConfig bounds MFA login challenges: how long the client has
// to present a code after the password checks out, and how many wrong
// codes burn the challenge.
type ChallengeConfig struct {
	TTL         time.Duration
	MaxAttempts int
	KeyPrefix   string
}

func (c *ChallengeConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "amc"
	}
}

// Config aggregates per-subsystem configuration. Each subsystem
// validates its own section at build time; a bad signing key or cipher
// key is a construction error, never a request-time one.
type Config struct {
	Token     token.Config
	Session   session.Config
	RateLimit ratelimit.Config
	MFA       mfa.Config
	Password  password.Config
	Challenge ChallengeConfig
	Audit     AuditConfig
	Metrics   MetricsConfig

	// MFAEncryptionKey seals TOTP secrets at rest. 32 bytes.
	MFAEncryptionKey []byte
}

func (c *Config) validate() error {
	if len(c.MFAEncryptionKey) != 0 && len(c.MFAEncryptionKey) != 32 {
		return errors.New("mfa encryption key must be 32 bytes")
	}
	return nil
}
