package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/authcore-dev/authcore/internal/audit"
	"github.com/authcore-dev/authcore/mfa"
	"github.com/authcore-dev/authcore/ratelimit"
)

// ErrMFANotConfigured is returned when MFA operations are called on an
// engine built without an MFA vault.
var ErrMFANotConfigured = errors.New("mfa not configured")

// EnrollTOTP starts TOTP enrollment for a user. The returned
// enrollment carries the shared secret and provisioning URI for the
// authenticator app; nothing is active until ConfirmTOTP.
func (e *Engine) EnrollTOTP(ctx context.Context, userID, account string) (*mfa.Enrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.mfa == nil {
		return nil, ErrMFANotConfigured
	}

	enrollment, err := e.mfa.Enroll(ctx, userID, account)
	if err != nil {
		if errors.Is(err, mfa.ErrAlreadyEnabled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.emitAudit(ctx, audit.KindMFAEnrollStarted, userID, clientIP(ctx), true, nil)
	return enrollment, nil
}

// ConfirmTOTP activates a pending enrollment with a code from the
// authenticator app and returns the backup codes. The plaintext codes
// exist only in this return value; store presentation is hash-only.
func (e *Engine) ConfirmTOTP(ctx context.Context, userID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.mfa == nil {
		return nil, ErrMFANotConfigured
	}

	if err := e.checkMFAVerifyBudget(ctx, userID); err != nil {
		return nil, err
	}

	codes, err := e.mfa.Confirm(ctx, userID, code)
	if err != nil {
		if errors.Is(err, mfa.ErrCodeInvalid) {
			e.noteFailOpen(e.limiter.RecordFailure(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(userID)))
			e.metrics.Inc(MetricMFAFailure)
			return nil, fmt.Errorf("%w: %v", ErrMFAInvalid, err)
		}
		if errors.Is(err, mfa.ErrAlreadyEnabled) || errors.Is(err, mfa.ErrNotEnrolled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.noteFailOpen(e.limiter.RecordSuccess(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(userID)))
	e.emitAudit(ctx, audit.KindMFAEnabled, userID, clientIP(ctx), true, nil)
	return codes, nil
}

// VerifyTOTP checks a code for an already-authenticated user, for
// step-up confirmation of sensitive operations. Wrong codes and
// replayed codes both come back as ErrMFAInvalid.
func (e *Engine) VerifyTOTP(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.mfa == nil {
		return ErrMFANotConfigured
	}

	if err := e.checkMFAVerifyBudget(ctx, userID); err != nil {
		return err
	}

	ok, err := e.mfa.Verify(ctx, userID, code)
	if err != nil {
		if errors.Is(err, mfa.ErrNotEnabled) || errors.Is(err, mfa.ErrNotEnrolled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		e.noteFailOpen(e.limiter.RecordFailure(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(userID)))
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, audit.KindMFAVerifyFailed, userID, clientIP(ctx), false, nil)
		return ErrMFAInvalid
	}

	e.noteFailOpen(e.limiter.RecordSuccess(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(userID)))
	e.metrics.Inc(MetricMFASuccess)
	return nil
}

// DisableTOTP turns MFA off after verifying a current code, removing
// the secret and every backup code in one step.
func (e *Engine) DisableTOTP(ctx context.Context, userID, code string) error {
	if err := e.VerifyTOTP(ctx, userID, code); err != nil {
		return err
	}
	if err := e.mfa.Disable(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.emitAudit(ctx, audit.KindMFADisabled, userID, clientIP(ctx), true, nil)
	return nil
}

// RegenerateBackupCodes replaces the backup code set after verifying a
// current TOTP code. Old codes stop working immediately.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if err := e.VerifyTOTP(ctx, userID, code); err != nil {
		return nil, err
	}
	codes, err := e.mfa.Regenerate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.emitAudit(ctx, audit.KindMFACodesRegenerated, userID, clientIP(ctx), true, nil)
	return codes, nil
}

// BackupCodesRemaining reports how many unused backup codes a user has
// left, for account settings display.
func (e *Engine) BackupCodesRemaining(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	if e.mfa == nil {
		return 0, ErrMFANotConfigured
	}
	n, err := e.mfa.BackupCodesRemaining(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n, nil
}

// ConfirmLoginMFA completes a pending login challenge with a TOTP
// code.
func (e *Engine) ConfirmLoginMFA(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	return e.confirmLogin(ctx, challengeID, code, false)
}

// ConfirmLoginBackupCode completes a pending login challenge with a
// single-use backup code.
func (e *Engine) ConfirmLoginBackupCode(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	return e.confirmLogin(ctx, challengeID, code, true)
}

func (e *Engine) confirmLogin(ctx context.Context, challengeID, code string, backup bool) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.mfa == nil {
		return nil, ErrMFANotConfigured
	}

	challenge, err := e.challenges.get(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	if err := e.checkMFAVerifyBudget(ctx, challenge.UserID); err != nil {
		return nil, err
	}

	var ok bool
	if backup {
		ok, err = e.mfa.VerifyBackup(ctx, challenge.UserID, code)
	} else {
		ok, err = e.mfa.Verify(ctx, challenge.UserID, code)
	}
	if err != nil {
		if errors.Is(err, mfa.ErrNotEnabled) || errors.Is(err, mfa.ErrNotEnrolled) {
			// MFA was disabled between password check and confirmation.
			e.challenges.delete(ctx, challengeID)
			return nil, ErrMFAChallengeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if !ok {
		e.noteFailOpen(e.limiter.RecordFailure(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(challenge.UserID)))
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, audit.KindLoginMFAFailed, challenge.UserID, clientIP(ctx), false, nil)

		attempts, attemptErr := e.challenges.recordAttempt(ctx, challengeID)
		if attemptErr == nil && attempts >= e.challenges.config.MaxAttempts {
			e.challenges.delete(ctx, challengeID)
			return nil, ErrMFAAttemptsExceeded
		}
		return nil, ErrMFAInvalid
	}

	// Single use: losing the consume race means another confirmation
	// already finished this challenge.
	if _, err := e.challenges.consume(ctx, challengeID); err != nil {
		return nil, err
	}

	e.noteFailOpen(e.limiter.RecordSuccess(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(challenge.UserID)))
	e.metrics.Inc(MetricMFASuccess)
	if backup {
		e.metrics.Inc(MetricBackupCodeUsed)
	}

	var ipHash, deviceHash [32]byte
	copy(ipHash[:], challenge.IPHash)
	copy(deviceHash[:], challenge.DeviceHash)

	return e.finishLogin(ctx, challenge.UserID, clientIP(ctx), ipHash, deviceHash, challenge.RememberMe, true)
}

func (e *Engine) checkMFAVerifyBudget(ctx context.Context, userID string) error {
	decision, err := e.limiter.Check(ctx, ratelimit.ActionMFAVerify, userIDIdentifier(userID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.noteFailOpen(decision, nil)
	if !decision.Allowed() {
		return &RateLimitedError{Sentinel: ErrMFARateLimited, RetryAfter: decision.RetryAfter}
	}
	return nil
}

func userIDIdentifier(userID string) string {
	return "uid:" + userID
}
