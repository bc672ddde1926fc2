package ratings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/eroshiva/rateable/pkg/metrics"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/go-playground/validator/v10"
)

// maxNameAttempts bounds retries when a generated rating name collides with a sibling.
const maxNameAttempts = 8

// sentinelNoRating is what clients send when no rating was picked.
const sentinelNoRating = "0"

type submitInput struct {
	Parent string `validate:"required"`
	Rating string `validate:"required,ne=0"`
	Rater  string `validate:"required,max=256"`
}

// Gateway validates rating submissions and turns them into rating children. It never calls the
// Aggregator: the commit of the child creation does.
type Gateway struct {
	store    store.Store
	validate *validator.Validate
	opts     options
}

// NewGateway returns a Gateway creating ratings in s.
func NewGateway(s store.Store, opts ...Option) *Gateway {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Gateway{
		store:    s,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     o,
	}
}

// parseSubmission checks the raw input and returns the integer rating.
func (g *Gateway) parseSubmission(in submitInput) (int64, error) {
	const op = "submit"
	ref := store.Ref(in.Parent)
	if err := g.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Field() == "Rating" && fe.Tag() == "ne" {
				return 0, invalidArgument(op, ref, "rating %q means no rating was supplied", sentinelNoRating)
			}
			return 0, invalidArgument(op, ref, "%s failed %q validation", strings.ToLower(fe.Field()), fe.Tag())
		}
		return 0, newError(KindInvalidArgument, op, ref, err)
	}
	rating, err := strconv.ParseInt(in.Rating, 10, 64)
	if err != nil {
		return 0, invalidArgument(op, ref, "rating %q is not an integer", in.Rating)
	}
	if rating == 0 {
		return 0, invalidArgument(op, ref, "rating %q means no rating was supplied", in.Rating)
	}
	if g.opts.maxRating > 0 && (rating < g.opts.minRating || rating > g.opts.maxRating) {
		return 0, invalidArgument(op, ref, "rating %d is outside [%d, %d]", rating, g.opts.minRating, g.opts.maxRating)
	}
	return rating, nil
}

// Submit records rating by rater on parent. The parent becomes rateable if it was not.
func (g *Gateway) Submit(ctx context.Context, parent store.Ref, rating, rater string) (*Submission, error) {
	const op = "submit"
	in := submitInput{
		Parent: strings.TrimSpace(parent.String()),
		Rating: strings.TrimSpace(rating),
		Rater:  strings.TrimSpace(rater),
	}
	value, err := g.parseSubmission(in)
	if err != nil {
		zlog.Error().Err(err).Msgf("Rejecting rating submission for (%s)", parent)
		g.opts.metrics.ObserveSubmission(metrics.OutcomeRejected)
		return nil, err
	}
	parent = store.Ref(in.Parent)
	zlog.Debug().Msgf("Submitting rating %d by %s for (%s)", value, in.Rater, parent)

	var child store.Ref
	err = g.opts.withConflictRetry(ctx, op, parent, func() error {
		return classify(op, parent, g.store.RunInTx(ctx, store.Actor{ID: in.Rater}, func(ctx context.Context, tx store.Tx) error {
			var err error
			child, err = g.createRating(ctx, tx, parent, value, in.Rater)
			return err
		}))
	})
	if err != nil {
		if IsKind(err, KindStoreUnavailable) {
			g.opts.metrics.ObserveSubmission(metrics.OutcomeUnavailable)
		} else {
			g.opts.metrics.ObserveSubmission(metrics.OutcomeRejected)
		}
		zlog.Error().Err(err).Msgf("Failed to submit rating for (%s)", parent)
		return nil, err
	}
	g.opts.metrics.ObserveSubmission(metrics.OutcomeAccepted)
	return &Submission{Parent: parent, Child: child, Rating: value, Rater: in.Rater}, nil
}

// SubmitValue is Submit for callers that already hold an integer rating.
func (g *Gateway) SubmitValue(ctx context.Context, parent store.Ref, rating int64, rater string) (*Submission, error) {
	return g.Submit(ctx, parent, strconv.FormatInt(rating, 10), rater)
}

func (g *Gateway) createRating(ctx context.Context, tx store.Tx, parent store.Ref, rating int64, rater string) (store.Ref, error) {
	const op = "submit"
	exists, err := tx.Exists(ctx, parent)
	if err != nil {
		return "", classify(op, parent, err)
	}
	if !exists {
		return "", newError(KindNotFound, op, parent, store.ErrNotFound)
	}

	rateable, err := tx.HasCapability(ctx, parent, CapabilityRateable)
	if err != nil {
		return "", classify(op, parent, err)
	}
	if !rateable {
		// no initial aggregate: the recomputation triggered by this commit establishes it
		zlog.Debug().Msgf("Adding %s capability to (%s)", CapabilityRateable, parent)
		if err = tx.AddCapability(ctx, parent, CapabilityRateable, nil); err != nil {
			return "", classify(op, parent, err)
		}
	}

	props := store.Properties{PropRating: rating, PropRater: rater}
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		name := g.opts.names()
		ref, err := tx.CreateChild(ctx, parent, AssociationRatings, name, KindRating, props)
		if errors.Is(err, store.ErrDuplicateName) {
			zlog.Warn().Msgf("Rating name %s already taken under (%s), retrying", name, parent)
			continue
		}
		if err != nil {
			return "", classify(op, parent, err)
		}
		return ref, nil
	}
	return "", newError(KindStoreUnavailable, op, parent,
		fmt.Errorf("no free rating name after %d attempts: %w", maxNameAttempts, store.ErrDuplicateName))
}

// Delete removes a single rating child on behalf of actor and describes what was removed. The
// aggregate of its parent is recomputed when the deletion commits.
func (g *Gateway) Delete(ctx context.Context, actor store.Actor, rating store.Ref) (*Submission, error) {
	const op = "delete"
	var removed *Submission
	err := g.opts.withConflictRetry(ctx, op, rating, func() error {
		return classify(op, rating, g.store.RunInTx(ctx, actor, func(ctx context.Context, tx store.Tx) error {
			e, err := tx.Get(ctx, rating)
			if err != nil {
				return classify(op, rating, err)
			}
			if e.Kind != KindRating || e.Association != AssociationRatings {
				return invalidArgument(op, rating, "entity is a %q, not a rating", e.Kind)
			}
			removed = &Submission{Parent: e.Parent, Child: rating}
			removed.Rating, _ = ratingOf(store.Child{Properties: e.Properties})
			removed.Rater, _ = e.Properties[PropRater].(string)
			zlog.Debug().Msgf("Deleting rating (%s) of (%s)", rating, e.Parent)
			return classify(op, rating, tx.DeleteChild(ctx, rating))
		}))
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteAll removes every rating child of parent and returns how many were removed. Parents
// that are not rateable are left alone.
func (g *Gateway) DeleteAll(ctx context.Context, actor store.Actor, parent store.Ref) (int, error) {
	const op = "delete-all"
	var removed int
	err := g.opts.withConflictRetry(ctx, op, parent, func() error {
		removed = 0
		return classify(op, parent, g.store.RunInTx(ctx, actor, func(ctx context.Context, tx store.Tx) error {
			rateable, err := tx.HasCapability(ctx, parent, CapabilityRateable)
			if err != nil {
				return classify(op, parent, err)
			}
			if !rateable {
				zlog.Debug().Msgf("Parent (%s) is not %s, no ratings to delete", parent, CapabilityRateable)
				return nil
			}
			children, err := tx.GetChildren(ctx, parent, AssociationRatings)
			if err != nil {
				return classify(op, parent, err)
			}
			for _, c := range children {
				if err = tx.DeleteChild(ctx, c.Ref); err != nil {
					return classify(op, c.Ref, err)
				}
				removed++
			}
			return nil
		}))
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Rating returns the stored aggregate of parent and the latest rating given by rater.
func (g *Gateway) Rating(ctx context.Context, parent store.Ref, rater string) (*Summary, error) {
	const op = "rating"
	rater = strings.TrimSpace(rater)
	summary := &Summary{Parent: parent}
	err := g.store.RunInTx(ctx, store.SystemActor, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.Get(ctx, parent)
		if err != nil {
			return classify(op, parent, err)
		}
		if !e.HasCapability(CapabilityRateable) {
			return nil
		}
		summary.Rateable = true
		summary.Aggregate = Aggregate{
			Average: floatProperty(e.Properties[PropAverageRating]),
			Total:   intProperty(e.Properties[PropTotalRating]),
			Count:   intProperty(e.Properties[PropRatingCount]),
		}
		if rater == "" {
			return nil
		}
		children, err := tx.GetChildren(ctx, parent, AssociationRatings)
		if err != nil {
			return classify(op, parent, err)
		}
		for _, c := range children {
			if c.Properties[PropRater] != rater {
				continue
			}
			if r, err := ratingOf(c); err == nil {
				summary.UserRating = r
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, parent, err)
	}
	return summary, nil
}

func intProperty(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func floatProperty(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
