// Package transport binds the session credential set to an HTTP
// client: tokens travel in hardened cookies, and a double-submit CSRF
// pair guards state-changing requests.
package transport

import (
	"errors"
	"net/http"
	"time"

	"github.com/authcore-dev/authcore/internal"
)

// ErrNoCookie is returned when an expected credential cookie is absent
// from the request.
var ErrNoCookie = errors.New("credential cookie missing")

// ErrCSRFMismatch is returned when the CSRF header does not match the
// CSRF cookie, or either is missing.
var ErrCSRFMismatch = errors.New("csrf token mismatch")

// Default cookie and header names. Overridable per binder for hosts
// that need __Host- prefixes or coexisting deployments.
const (
	DefaultAccessCookie  = "ac_at"
	DefaultRefreshCookie = "ac_rt"
	DefaultCSRFCookie    = "ac_csrf"
	DefaultCSRFHeader    = "X-CSRF-Token"
)

// Config shapes the emitted cookies. The zero value produces a strict
// production posture: Secure, HttpOnly, SameSite=Lax.
type Config struct {
	AccessCookie  string
	RefreshCookie string
	CSRFCookie    string
	CSRFHeader    string

	// Domain and Path scope the cookies. Path defaults to "/"; the
	// refresh cookie additionally gets RefreshPath when set, so the
	// long-lived credential only travels to the refresh endpoint.
	Domain      string
	Path        string
	RefreshPath string

	// Insecure drops the Secure attribute for plain-HTTP development.
	Insecure bool

	SameSite http.SameSite
}

func (c *Config) applyDefaults() {
	if c.AccessCookie == "" {
		c.AccessCookie = DefaultAccessCookie
	}
	if c.RefreshCookie == "" {
		c.RefreshCookie = DefaultRefreshCookie
	}
	if c.CSRFCookie == "" {
		c.CSRFCookie = DefaultCSRFCookie
	}
	if c.CSRFHeader == "" {
		c.CSRFHeader = DefaultCSRFHeader
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.RefreshPath == "" {
		c.RefreshPath = c.Path
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
}

// Binder writes and reads the credential cookies for one deployment.
type Binder struct {
	config Config
}

// NewBinder creates a cookie [Binder].
func NewBinder(cfg Config) *Binder {
	cfg.applyDefaults()
	return &Binder{config: cfg}
}

// Bind sets the access, refresh, and CSRF cookies on the response and
// returns the CSRF secret the client must echo in the CSRF header.
//
// The token cookies are HttpOnly so script cannot read them; the CSRF
// cookie deliberately is not, since the double-submit scheme relies on
// same-origin script copying it into the header.
func (b *Binder) Bind(w http.ResponseWriter, accessToken, refreshToken string, accessTTL, refreshTTL time.Duration) (string, error) {
	csrfSecret, err := internal.NewCSRFSecret()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     b.config.AccessCookie,
		Value:    accessToken,
		Path:     b.config.Path,
		Domain:   b.config.Domain,
		MaxAge:   int(accessTTL.Seconds()),
		HttpOnly: true,
		Secure:   !b.config.Insecure,
		SameSite: b.config.SameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     b.config.RefreshCookie,
		Value:    refreshToken,
		Path:     b.config.RefreshPath,
		Domain:   b.config.Domain,
		MaxAge:   int(refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   !b.config.Insecure,
		SameSite: b.config.SameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     b.config.CSRFCookie,
		Value:    csrfSecret,
		Path:     b.config.Path,
		Domain:   b.config.Domain,
		MaxAge:   int(refreshTTL.Seconds()),
		HttpOnly: false,
		Secure:   !b.config.Insecure,
		SameSite: b.config.SameSite,
	})

	return csrfSecret, nil
}

// Clear expires all three cookies. Used on logout.
func (b *Binder) Clear(w http.ResponseWriter) {
	expire := func(name, path string, httpOnly bool) {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			Domain:   b.config.Domain,
			MaxAge:   -1,
			HttpOnly: httpOnly,
			Secure:   !b.config.Insecure,
			SameSite: b.config.SameSite,
		})
	}
	expire(b.config.AccessCookie, b.config.Path, true)
	expire(b.config.RefreshCookie, b.config.RefreshPath, true)
	expire(b.config.CSRFCookie, b.config.Path, false)
}

// AccessToken extracts the access token from the request cookies.
func (b *Binder) AccessToken(r *http.Request) (string, error) {
	return b.cookieValue(r, b.config.AccessCookie)
}

// RefreshToken extracts the refresh token from the request cookies.
func (b *Binder) RefreshToken(r *http.Request) (string, error) {
	return b.cookieValue(r, b.config.RefreshCookie)
}

// VerifyCSRF checks the double-submit pair: the CSRF header must equal
// the CSRF cookie. Comparison is constant time. Safe methods (GET,
// HEAD, OPTIONS) are exempt.
func (b *Binder) VerifyCSRF(r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}

	cookie, err := r.Cookie(b.config.CSRFCookie)
	if err != nil || cookie.Value == "" {
		return ErrCSRFMismatch
	}
	header := r.Header.Get(b.config.CSRFHeader)
	if header == "" {
		return ErrCSRFMismatch
	}
	if !internal.ConstantTimeEquals(cookie.Value, header) {
		return ErrCSRFMismatch
	}
	return nil
}

func (b *Binder) cookieValue(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", ErrNoCookie
	}
	if cookie.Value == "" {
		return "", ErrNoCookie
	}
	return cookie.Value, nil
}
