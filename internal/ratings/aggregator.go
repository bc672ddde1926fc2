package ratings

import (
	"context"
	"fmt"
	"time"

	"github.com/eroshiva/rateable/pkg/logger"
	"github.com/eroshiva/rateable/pkg/metrics"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/samber/lo"
)

var zlog = logger.NewLogger("ratings")

// Aggregator recomputes the rating aggregate of a parent whenever one of its rating children
// is created or deleted. It keeps no state between calls: every call re-reads the full child
// set, so redundant or reordered invocations converge on the same result.
type Aggregator struct {
	store store.Store
	opts  options
}

// NewAggregator returns an Aggregator working against s. Call Register to bind it to the
// store's lifecycle events.
func NewAggregator(s store.Store, opts ...Option) *Aggregator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Aggregator{store: s, opts: o}
}

// Register subscribes the Aggregator to creation and deletion of rating children under
// parents of parentKind. An empty parentKind matches every parent kind.
func (a *Aggregator) Register(parentKind string) {
	a.store.Reserve(PropAverageRating, PropTotalRating, PropRatingCount)
	for _, ev := range []store.Event{store.EventCreated, store.EventDeleted} {
		a.store.Subscribe(store.Binding{ParentKind: parentKind, ChildKind: KindRating, Event: ev}, a.handle)
	}
	zlog.Info().Msgf("Aggregator bound to rating lifecycle events (parent kind %q)", parentKind)
}

func (a *Aggregator) handle(ctx context.Context, tx store.Tx, ev store.LifecycleEvent) error {
	zlog.Debug().Msgf("Rating (%s) %s under (%s)", ev.Child, ev.Event, ev.Parent)
	_, err := a.RecomputeTx(ctx, tx, ev.Parent)
	return err
}

// Recompute runs a recomputation of parent in its own transaction, retrying on conflicts.
// It returns nil without error when parent is gone or is not rateable.
func (a *Aggregator) Recompute(ctx context.Context, parent store.Ref) (*Aggregate, error) {
	const op = "recompute"
	var agg *Aggregate
	err := a.opts.withConflictRetry(ctx, op, parent, func() error {
		return classify(op, parent, a.store.RunInTx(ctx, store.SystemActor, func(ctx context.Context, tx store.Tx) error {
			var err error
			agg, err = a.RecomputeTx(ctx, tx, parent)
			return err
		}))
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// RecomputeTx recomputes parent inside tx and writes the aggregate back as one update.
// It returns nil without error when parent is gone or is not rateable.
func (a *Aggregator) RecomputeTx(ctx context.Context, tx store.Tx, parent store.Ref) (*Aggregate, error) {
	start := time.Now()
	agg, err := a.recompute(ctx, tx, parent)
	outcome := metrics.OutcomeUpdated
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
	case agg == nil:
		outcome = metrics.OutcomeSkipped
	}
	a.opts.metrics.ObserveRecompute(outcome, time.Since(start).Seconds())
	return agg, err
}

func (a *Aggregator) recompute(ctx context.Context, tx store.Tx, parent store.Ref) (*Aggregate, error) {
	const op = "recompute"

	// the parent may have been deleted in the same transaction as its last rating
	exists, err := tx.Exists(ctx, parent)
	if err != nil {
		zlog.Error().Err(err).Msgf("Failed to check existence of (%s)", parent)
		return nil, classify(op, parent, err)
	}
	if !exists {
		zlog.Debug().Msgf("Parent (%s) no longer exists, nothing to recompute", parent)
		return nil, nil
	}
	rateable, err := tx.HasCapability(ctx, parent, CapabilityRateable)
	if err != nil {
		zlog.Error().Err(err).Msgf("Failed to read capabilities of (%s)", parent)
		return nil, classify(op, parent, err)
	}
	if !rateable {
		zlog.Debug().Msgf("Parent (%s) is not %s, ignoring its ratings", parent, CapabilityRateable)
		return nil, nil
	}

	children, err := tx.GetChildren(ctx, parent, "")
	if err != nil {
		zlog.Error().Err(err).Msgf("Failed to list children of (%s)", parent)
		return nil, classify(op, parent, err)
	}
	ratings := lo.Filter(children, func(c store.Child, _ int) bool {
		return c.Association == AssociationRatings
	})

	var agg Aggregate
	for _, c := range ratings {
		r, err := ratingOf(c)
		if err != nil {
			zlog.Error().Err(err).Msgf("Rating (%s) of (%s) is corrupt", c.Ref, parent)
			return nil, newError(KindDataIntegrity, op, c.Ref, err)
		}
		agg.Total += r
		agg.Count++
	}
	if agg.Count > 0 {
		agg.Average = float64(agg.Total) / float64(agg.Count)
	}

	// aggregate properties are owned by the platform, not by whoever triggered the event
	if err = tx.WithActor(store.SystemActor).SetProperties(ctx, parent, agg.properties()); err != nil {
		zlog.Error().Err(err).Msgf("Failed to store aggregate on (%s)", parent)
		return nil, classify(op, parent, err)
	}
	zlog.Debug().Msgf("Aggregate of (%s): average %.4f, total %d, count %d", parent, agg.Average, agg.Total, agg.Count)
	return &agg, nil
}

// ratingOf reads the integer rating of a child. Missing or non-integer values are errors.
func ratingOf(c store.Child) (int64, error) {
	v, ok := c.Properties[PropRating]
	if !ok || v == nil {
		return 0, fmt.Errorf("property %q is missing", PropRating)
	}
	switch r := v.(type) {
	case int64:
		return r, nil
	case int:
		return int64(r), nil
	case int32:
		return int64(r), nil
	default:
		return 0, fmt.Errorf("property %q has type %T, want an integer", PropRating, v)
	}
}
