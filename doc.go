// Package authcore is an embeddable authentication security core:
// login rate limiting with exponential lockout backoff, hybrid
// stateless/stateful sessions with refresh rotation and reuse
// detection, TOTP second factor with single-use backup codes, and
// role-based authorization snapshots stamped into access tokens.
//
// The engine composes over three backends: Redis for rate limit state,
// the session validation cache, and pending MFA challenges; a durable
// store (the postgres package provides one) for session records, TOTP
// secrets, and roles; and the host application's own user directory.
//
//	engine, err := authcore.NewBuilder(cfg).
//		WithRedis(redisClient).
//		WithSessionRecords(postgres.NewSessionStore(db)).
//		WithUserDirectory(users).
//		Build()
//
// Failure posture is deliberate and asymmetric: rate limiting fails
// open so a Redis outage cannot take logins down, while session
// validation fails closed so an unreachable record store never lets a
// revoked token through.
package authcore
