package authcore

import "context"

type contextKey uint8

const (
	ctxKeyClientIP contextKey = iota
	ctxKeyUserAgent
	ctxKeyDeviceFingerprint
)

// WithClientIP attaches the caller's source address for rate limiting
// and session binding.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// WithUserAgent attaches the caller's user agent string.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, ctxKeyUserAgent, userAgent)
}

// WithDeviceFingerprint attaches an application-computed device
// fingerprint, used instead of the user agent when present.
func WithDeviceFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, ctxKeyDeviceFingerprint, fingerprint)
}

func clientIP(ctx context.Context) string {
	value, _ := ctx.Value(ctxKeyClientIP).(string)
	return value
}

func deviceIdentifier(ctx context.Context) string {
	if fp, ok := ctx.Value(ctxKeyDeviceFingerprint).(string); ok && fp != "" {
		return fp
	}
	value, _ := ctx.Value(ctxKeyUserAgent).(string)
	return value
}
