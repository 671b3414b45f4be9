package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/authcore-dev/authcore/internal"
)

// mfaChallenge is the server-side state parked between a successful
// password check and the MFA code that completes it. It carries the
// login parameters so the eventual session matches the original
// request, not the confirmation one.
type mfaChallenge struct {
	UserID     string `json:"uid"`
	RememberMe bool   `json:"rm,omitempty"`
	IPHash     []byte `json:"ip,omitempty"`
	DeviceHash []byte `json:"dev,omitempty"`
	CreatedAt  int64  `json:"at"`
}

// mfaChallengeStore keeps pending login challenges in Redis. Consume
// uses GETDEL so a challenge completes at most once even under
// concurrent confirmation attempts.
type mfaChallengeStore struct {
	redis  redis.UniversalClient
	config ChallengeConfig
}

func newMFAChallengeStore(redisClient redis.UniversalClient, cfg ChallengeConfig) *mfaChallengeStore {
	cfg.applyDefaults()
	return &mfaChallengeStore{redis: redisClient, config: cfg}
}

func (s *mfaChallengeStore) key(challengeID string) string {
	return s.config.KeyPrefix + ":" + challengeID
}

func (s *mfaChallengeStore) attemptsKey(challengeID string) string {
	return s.config.KeyPrefix + ":att:" + challengeID
}

func (s *mfaChallengeStore) create(ctx context.Context, challenge mfaChallenge) (string, error) {
	challengeID, err := internal.NewCacheKeyID()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(challenge)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), data, s.config.TTL).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return challengeID, nil
}

func (s *mfaChallengeStore) get(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMFAChallengeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var challenge mfaChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, ErrMFAChallengeInvalid
	}
	return &challenge, nil
}

// recordAttempt counts one failed code against the challenge and
// reports the total. The counter shares the challenge TTL.
func (s *mfaChallengeStore) recordAttempt(ctx context.Context, challengeID string) (int, error) {
	attempts, err := s.redis.Incr(ctx, s.attemptsKey(challengeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if attempts == 1 {
		if err := s.redis.Expire(ctx, s.attemptsKey(challengeID), s.config.TTL).Err(); err != nil {
			return int(attempts), fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return int(attempts), nil
}

// consume removes the challenge and returns it. A second concurrent
// consume loses the GETDEL race and sees ErrMFAChallengeInvalid.
func (s *mfaChallengeStore) consume(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	data, err := s.redis.GetDel(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMFAChallengeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	s.redis.Del(ctx, s.attemptsKey(challengeID))

	var challenge mfaChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, ErrMFAChallengeInvalid
	}
	return &challenge, nil
}

func (s *mfaChallengeStore) delete(ctx context.Context, challengeID string) {
	s.redis.Del(ctx, s.key(challengeID), s.attemptsKey(challengeID))
}
