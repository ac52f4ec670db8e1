// Package oauthstate issues and consumes single-use CSRF state tokens for
// the OAuth authorization dance.
//
// A token is minted when an auth URL is generated and must come back on
// the provider callback. Consuming is atomic: under concurrent callbacks
// carrying the same token, exactly one wins and all others fail closed.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plumeworks/plumed/internal/logging"
	"go.uber.org/zap"
)

var (
	// ErrInvalidOrExpired is returned for tokens that were never issued,
	// have expired, or were already swept.
	ErrInvalidOrExpired = errors.New("oauthstate: invalid or expired state token")

	// ErrAlreadyConsumed is returned when a token was valid but a previous
	// (possibly concurrent) consume already claimed it.
	ErrAlreadyConsumed = errors.New("oauthstate: state token already consumed")
)

const tokenBytes = 32

// Identity is the user binding recovered when a state token is consumed.
type Identity struct {
	UserID   string
	Platform string
}

// record tracks one issued token. Consumed records are retained until
// their TTL passes so a late duplicate callback is distinguishable from a
// forged token.
type record struct {
	identity  Identity
	createdAt time.Time
	expiresAt time.Time
	consumed  bool
}

// Store holds issued state tokens in memory. Tokens live for minutes and
// intentionally do not survive a restart.
type Store struct {
	mu      sync.Mutex
	records map[string]*record

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *logging.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default 10-minute token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithSweepInterval overrides how often expired records are purged.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) { s.sweepInterval = interval }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store and starts its background sweeper.
func NewStore(logger *logging.Logger, opts ...Option) *Store {
	s := &Store{
		records:       make(map[string]*record),
		ttl:           10 * time.Minute,
		sweepInterval: time.Minute,
		now:           time.Now,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Create mints a fresh single-use token bound to the given user and
// platform. The token is 32 bytes from crypto/rand, base64url encoded.
func (s *Store) Create(ctx context.Context, userID, platform string) (string, error) {
	if userID == "" {
		return "", errors.New("oauthstate: user id is required")
	}
	if platform == "" {
		return "", errors.New("oauthstate: platform is required")
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauthstate: generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	now := s.now()
	s.mu.Lock()
	s.records[token] = &record{
		identity:  Identity{UserID: userID, Platform: platform},
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}
	pending := len(s.records)
	s.mu.Unlock()

	s.logger.Debug(ctx, "state token issued",
		logging.RedactedString("state", token),
		zap.Int("pending", pending),
	)
	return token, nil
}

// Consume validates a token and atomically marks it used, returning the
// identity it was bound to. Exactly one of N concurrent callers for the
// same token succeeds; the rest get ErrAlreadyConsumed. Unknown or
// expired tokens get ErrInvalidOrExpired.
//
// Callers must map both failures to the same generic client-facing error;
// the precise reason belongs in internal logs only.
func (s *Store) Consume(ctx context.Context, token string) (Identity, error) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.records[token]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn(ctx, "state token rejected: unknown")
		return Identity{}, ErrInvalidOrExpired
	}
	if now.After(rec.expiresAt) {
		delete(s.records, token)
		s.mu.Unlock()
		s.logger.Warn(ctx, "state token rejected: expired")
		return Identity{}, ErrInvalidOrExpired
	}
	if rec.consumed {
		s.mu.Unlock()
		s.logger.Warn(ctx, "state token rejected: already consumed")
		return Identity{}, ErrAlreadyConsumed
	}
	rec.consumed = true
	identity := rec.identity
	s.mu.Unlock()

	s.logger.Debug(ctx, "state token consumed")
	return identity, nil
}

// Len returns the number of live records, consumed included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes expired records, consumed or not.
func (s *Store) sweep() {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for token, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, token)
			removed++
		}
	}
	remaining := len(s.records)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug(context.Background(), "swept expired state tokens",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining),
		)
	}
}
