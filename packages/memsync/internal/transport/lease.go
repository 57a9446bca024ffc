package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultLeaseTTL = 10 * time.Second

var (
	ErrMasterTaken = errors.New("another master holds the lease")
	ErrLeaseLost   = errors.New("master lease lost")
)

// Lease makes sure a single master publishes on a set of topics.
type Lease struct {
	logger *zap.Logger
	lock   *redislock.Lock
	ttl    time.Duration
}

// AcquireMaster obtains the master lease of the topics without waiting.
// ErrMasterTaken is returned while another holder keeps it alive.
func AcquireMaster(ctx context.Context, logger *zap.Logger, client redis.UniversalClient, topics Topics, holder string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	lock, err := redislock.New(client).Obtain(ctx, topics.Lease, ttl, &redislock.Options{
		RetryStrategy: redislock.NoRetry(),
		Metadata:      holder,
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", topics.Lease, ErrMasterTaken)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to obtain master lease: %w", err)
	}

	return &Lease{
		logger: logger,
		lock:   lock,
		ttl:    ttl,
	}, nil
}

func (l *Lease) Holder() string {
	return l.lock.Metadata()
}

// Keep refreshes the lease until ctx is done. It returns ErrLeaseLost once the lease expired or was taken over.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.lock.Refresh(ctx, l.ttl, nil)
			switch {
			case err == nil:
			case errors.Is(err, redislock.ErrNotObtained):
				return ErrLeaseLost
			case ctx.Err() != nil:
				return nil
			default:
				l.logger.Warn("failed to refresh master lease", zap.Error(err))
			}
		}
	}
}

func (l *Lease) Release(ctx context.Context) error {
	if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("failed to release master lease: %w", err)
	}

	return nil
}
