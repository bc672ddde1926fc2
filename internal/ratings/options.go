package ratings

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eroshiva/rateable/pkg/metrics"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/google/uuid"
)

const (
	defaultConflictRetries = 5
	retryInitialInterval   = 5 * time.Millisecond
	retryMaxInterval       = 200 * time.Millisecond
)

// NameFunc generates the name of a new rating child.
type NameFunc func() string

// uniqueName combines a fixed prefix with a random discriminator, so two submissions in the
// same instant never share a name.
func uniqueName() string {
	return KindRating + "-" + uuid.NewString()
}

type options struct {
	metrics         *metrics.Metrics
	conflictRetries int
	minRating       int64
	maxRating       int64
	names           NameFunc
}

func defaultOptions() options {
	return options{
		conflictRetries: defaultConflictRetries,
		names:           uniqueName,
	}
}

// Option configures an Aggregator or a Gateway.
type Option func(*options)

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithConflictRetries bounds the attempts of a transaction hitting optimistic conflicts.
func WithConflictRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.conflictRetries = n
		}
	}
}

// WithRatingRange makes the Gateway reject ratings outside [lo, hi]. The Aggregator never
// range-checks.
func WithRatingRange(lo, hi int64) Option {
	return func(o *options) {
		o.minRating, o.maxRating = lo, hi
	}
}

// WithNameFunc replaces the rating child name generator.
func WithNameFunc(f NameFunc) Option {
	return func(o *options) {
		if f != nil {
			o.names = f
		}
	}
}

// withConflictRetry runs fn until it succeeds, fails with something other than a conflict, or
// the attempts are exhausted. Exhausted conflicts surface as StoreUnavailable.
func (o options) withConflictRetry(ctx context.Context, op string, ref store.Ref, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryInitialInterval
	eb.MaxInterval = retryMaxInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.conflictRetries-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsKind(err, KindConflict) {
			return backoff.Permanent(err)
		}
		o.metrics.IncConflictRetries()
		zlog.Debug().Err(err).Msgf("Conflict on %s (%s), attempt %d of %d", op, ref, attempts, o.conflictRetries)
		return err
	}, b)
	if err == nil {
		return nil
	}
	if IsKind(err, KindConflict) {
		zlog.Error().Err(err).Msgf("Giving up %s (%s) after %d conflicting attempts", op, ref, attempts)
		return newError(KindStoreUnavailable, op, ref, fmt.Errorf("still conflicting after %d attempts: %w", attempts, err))
	}
	return classify(op, ref, err)
}
