package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SchemaVersion is the claims layout emitted by this build. Tokens
// carrying any other version are rejected outright so a layout change
// can never be misread as the old shape.
const SchemaVersion = 1

// ErrUnknownSchema is returned for tokens with an unrecognized claims
// schema version.
var ErrUnknownSchema = errors.New("unknown token schema version")

// ErrWrongType is returned when a token of one type is presented where
// the other is expected (an access token at the refresh endpoint, or
// vice versa).
var ErrWrongType = errors.New("unexpected token type")

// SigningMethod selects the signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Type distinguishes the two token kinds. Strings appear only inside
// the serialized claims.
type Type uint8

const (
	TypeAccess Type = iota
	TypeRefresh
)

func (t Type) String() string {
	switch t {
	case TypeAccess:
		return "access"
	case TypeRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Claims is the signed payload shared by both token types. Access
// tokens carry the denormalized authorization snapshot; refresh tokens
// carry only identity, session, and a rotation ID.
type Claims struct {
	Schema      int      `json:"ver"`
	TokenType   string   `json:"typ"`
	SessionID   string   `json:"sid"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	MFAVerified bool     `json:"mfa,omitempty"`
	jwt.RegisteredClaims
}

// Config holds signing and validation parameters. Keys are raw
// ed25519 key bytes or PEM blocks; HS256 uses PrivateKey as the shared
// secret.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
}

// Manager issues and parses the signed compact tokens. Construction is
// the only place key material is validated: a missing or malformed
// signing key is a startup error, never a request-time failure.
type Manager struct {
	config Config
}

// NewManager validates the configuration and returns a [Manager].
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid access TTL configuration")
	}
	if cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid refresh TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("ed25519 requires private key")
		}
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key")
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{config: cfg}, nil
}

// IssueAccess signs an access token carrying the authorization
// snapshot captured at issuance.
func (m *Manager) IssueAccess(
	userID, sessionID, role string,
	permissions []string,
	mfaVerified bool,
) (string, error) {
	claims := Claims{
		Schema:      SchemaVersion,
		TokenType:   TypeAccess.String(),
		SessionID:   sessionID,
		Role:        role,
		Permissions: permissions,
		MFAVerified: mfaVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    m.config.Issuer,
		},
	}
	return m.sign(claims)
}

// IssueRefresh signs a refresh token and returns it along with its
// rotation ID (the jti). The session record keeps a hash of the jti so
// a superseded refresh token can be recognized on presentation.
func (m *Manager) IssueRefresh(userID, sessionID string) (string, string, error) {
	jti := uuid.NewString()

	claims := Claims{
		Schema:    SchemaVersion,
		TokenType: TypeRefresh.String(),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.config.RefreshTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    m.config.Issuer,
		},
	}

	signed, err := m.sign(claims)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// Parse verifies signature, expiry, issuer, schema version, and token
// type. Any failure means the token carries no authority.
func (m *Manager) Parse(tokenStr string, want Type) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Schema != SchemaVersion {
		return nil, ErrUnknownSchema
	}
	if claims.TokenType != want.String() {
		return nil, ErrWrongType
	}
	if claims.IssuedAt != nil && m.config.MaxFutureIAT > 0 {
		maxAllowed := time.Now().Add(m.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, errors.New("token iat too far in the future")
		}
	}

	return claims, nil
}

func (m *Manager) sign(claims Claims) (string, error) {
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	tok := jwt.NewWithClaims(m.method(), claims)
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) signKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) verifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
