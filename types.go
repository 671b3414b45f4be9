package authcore

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned by user directories for unknown
// identifiers. The engine folds it into ErrInvalidCredentials before
// anything leaves the login path.
var ErrUserNotFound = errors.New("user not found")

// UserRecord is the minimal account view the engine needs. The host
// application owns the rest of the user model.
type UserRecord struct {
	ID           string
	Username     string
	PasswordHash string
	Disabled     bool
}

// UserDirectory is the host application's user lookup. Implementations
// return ErrUserNotFound for unknown identifiers and must not treat
// the lookup itself as authentication.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
}

// LoginResult is the outcome of a successful password verification.
// When MFARequired is set the tokens are empty and the client must
// complete the challenge via ConfirmLoginMFA or ConfirmLoginBackupCode.
type LoginResult struct {
	UserID    string
	SessionID string

	AccessToken  string
	RefreshToken string

	MFARequired bool
	ChallengeID string
}
