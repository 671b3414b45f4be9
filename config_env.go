package authcore

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/authcore-dev/authcore/token"
)

// Backends names the external services the engine connects to. The
// host wires them; ConfigFromEnv only reads the addresses.
type Backends struct {
	RedisAddr   string
	DatabaseURL string
	SentryDSN   string
}

// ConfigFromEnv loads configuration from the environment, reading a
// .env file first when one exists. Unset variables keep their zero
// values so subsystem defaults apply.
//
// Recognized variables:
//
//	AUTHCORE_SIGNING_METHOD   ed25519 | hs256
//	AUTHCORE_SIGNING_KEY      base64 private key or HS256 secret
//	AUTHCORE_PUBLIC_KEY       base64 ed25519 public key
//	AUTHCORE_ISSUER           token issuer
//	AUTHCORE_ACCESS_TTL       e.g. 15m
//	AUTHCORE_REFRESH_TTL      e.g. 720h
//	AUTHCORE_SESSION_TTL      absolute session lifetime
//	AUTHCORE_IDLE_TIMEOUT     idle expiry threshold
//	AUTHCORE_MFA_ISSUER       TOTP provisioning issuer
//	AUTHCORE_MFA_KEY          base64 32-byte secret-sealing key
//	AUTHCORE_AUDIT_ENABLED    true | false
//	AUTHCORE_METRICS_ENABLED  true | false
//	AUTHCORE_REDIS_ADDR       host:port
//	AUTHCORE_DATABASE_URL     postgres connection string
//	AUTHCORE_SENTRY_DSN       optional Sentry DSN
func ConfigFromEnv() (Config, Backends, error) {
	// A missing .env file is not an error; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	var cfg Config

	switch os.Getenv("AUTHCORE_SIGNING_METHOD") {
	case "hs256":
		cfg.Token.SigningMethod = token.MethodHS256
	case "ed25519", "":
		cfg.Token.SigningMethod = token.MethodEd25519
	default:
		return Config{}, Backends{}, fmt.Errorf("unrecognized AUTHCORE_SIGNING_METHOD %q", os.Getenv("AUTHCORE_SIGNING_METHOD"))
	}

	var err error
	if cfg.Token.PrivateKey, err = envBase64("AUTHCORE_SIGNING_KEY"); err != nil {
		return Config{}, Backends{}, err
	}
	if cfg.Token.PublicKey, err = envBase64("AUTHCORE_PUBLIC_KEY"); err != nil {
		return Config{}, Backends{}, err
	}
	cfg.Token.Issuer = os.Getenv("AUTHCORE_ISSUER")
	if cfg.Token.AccessTTL, err = envDuration("AUTHCORE_ACCESS_TTL", 15*time.Minute); err != nil {
		return Config{}, Backends{}, err
	}
	if cfg.Token.RefreshTTL, err = envDuration("AUTHCORE_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return Config{}, Backends{}, err
	}

	if cfg.Session.TTL, err = envDuration("AUTHCORE_SESSION_TTL", 0); err != nil {
		return Config{}, Backends{}, err
	}
	if cfg.Session.IdleTimeout, err = envDuration("AUTHCORE_IDLE_TIMEOUT", 0); err != nil {
		return Config{}, Backends{}, err
	}

	cfg.MFA.Issuer = os.Getenv("AUTHCORE_MFA_ISSUER")
	if cfg.MFAEncryptionKey, err = envBase64("AUTHCORE_MFA_KEY"); err != nil {
		return Config{}, Backends{}, err
	}

	cfg.Audit.Enabled = envBool("AUTHCORE_AUDIT_ENABLED")
	cfg.Audit.DropIfFull = true
	cfg.Metrics.Enabled = envBool("AUTHCORE_METRICS_ENABLED")

	backends := Backends{
		RedisAddr:   os.Getenv("AUTHCORE_REDIS_ADDR"),
		DatabaseURL: os.Getenv("AUTHCORE_DATABASE_URL"),
		SentryDSN:   os.Getenv("AUTHCORE_SENTRY_DSN"),
	}
	return cfg, backends, nil
}

func envBase64(name string) ([]byte, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return decoded, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

func envBool(name string) bool {
	value, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && value
}
