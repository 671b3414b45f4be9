package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authcore-dev/authcore/internal"
	"github.com/authcore-dev/authcore/mfa"
	"github.com/authcore-dev/authcore/password"
	"github.com/authcore-dev/authcore/ratelimit"
	"github.com/authcore-dev/authcore/rbac"
	"github.com/authcore-dev/authcore/session"
	"github.com/authcore-dev/authcore/token"
)

// Builder assembles an [Engine]. Redis, a session record store, and a
// user directory are required; the role directory, MFA vault, and
// audit sink are optional. Build validates everything up front so a
// misconfigured engine never serves a request.
type Builder struct {
	config  Config
	redis   redis.UniversalClient
	records session.Records
	users   UserDirectory
	roleDir rbac.Directory
	vault   mfa.Vault
	sink    AuditSink
	now     func() time.Time
}

// NewBuilder starts an engine build with the given configuration.
func NewBuilder(cfg Config) *Builder {
	return &Builder{config: cfg}
}

// WithRedis sets the Redis client shared by the rate limiter, session
// cache, and MFA challenge store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSessionRecords sets the durable session store.
func (b *Builder) WithSessionRecords(records session.Records) *Builder {
	b.records = records
	return b
}

// WithUserDirectory sets the host application's user lookup.
func (b *Builder) WithUserDirectory(users UserDirectory) *Builder {
	b.users = users
	return b
}

// WithRoleDirectory sets the RBAC role store. Without one, every user
// gets the default role.
func (b *Builder) WithRoleDirectory(directory rbac.Directory) *Builder {
	b.roleDir = directory
	return b
}

// WithMFAVault enables TOTP. Config.MFAEncryptionKey must be set too.
func (b *Builder) WithMFAVault(vault mfa.Vault) *Builder {
	b.vault = vault
	return b
}

// WithAuditSink sets the audit event destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithClock overrides the engine clock, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and constructs the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.records == nil {
		return nil, errors.New("session record store is required")
	}
	if b.users == nil {
		return nil, errors.New("user directory is required")
	}
	if err := b.config.validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	tokens, err := token.NewManager(b.config.Token)
	if err != nil {
		return nil, err
	}

	hashConfig := b.config.Password
	if hashConfig == (password.Config{}) {
		hashConfig = password.DefaultConfig()
	}
	hasher, err := password.NewArgon2(hashConfig)
	if err != nil {
		return nil, err
	}

	limitConfig := b.config.RateLimit
	if limitConfig.Now == nil {
		limitConfig.Now = now
	}
	limiter, err := ratelimit.New(b.redis, limitConfig)
	if err != nil {
		return nil, err
	}

	sessionConfig := b.config.Session
	if sessionConfig.Now == nil {
		sessionConfig.Now = now
	}
	sessions, err := session.NewManager(b.records, b.redis, tokens, sessionConfig)
	if err != nil {
		return nil, err
	}

	directory := b.roleDir
	if directory == nil {
		directory = emptyDirectory{}
	}
	roles := rbac.NewAssembler(directory, rbac.Config{Now: now})

	var authenticator *mfa.Authenticator
	if b.vault != nil {
		if len(b.config.MFAEncryptionKey) == 0 {
			return nil, errors.New("mfa vault requires an encryption key")
		}
		cipher, err := internal.NewAESGCMCipher(b.config.MFAEncryptionKey)
		if err != nil {
			return nil, err
		}
		mfaConfig := b.config.MFA
		if mfaConfig.Now == nil {
			mfaConfig.Now = now
		}
		authenticator, err = mfa.NewAuthenticator(b.vault, cipher, mfaConfig)
		if err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		users:      b.users,
		roles:      roles,
		sessions:   sessions,
		limiter:    limiter,
		hasher:     hasher,
		mfa:        authenticator,
		challenges: newMFAChallengeStore(b.redis, b.config.Challenge),
		audit:      newAuditDispatcher(b.config.Audit, b.sink),
		metrics:    NewMetrics(b.config.Metrics),
		dummyHash:  newDummyHash(hasher),
		now:        now,
	}
	return engine, nil
}

// emptyDirectory backs engines built without a role store. No
// assignments means every user resolves to the default role.
type emptyDirectory struct{}

func (emptyDirectory) AssignmentsForUser(context.Context, string) ([]rbac.Assignment, error) {
	return nil, nil
}

func (emptyDirectory) RolesByName(context.Context, []string) (map[string]rbac.Role, error) {
	return map[string]rbac.Role{}, nil
}
