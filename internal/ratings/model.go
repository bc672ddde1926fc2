// Package ratings keeps the rating aggregate (average, total, count) of a parent entity equal
// to a full recomputation over its rating children, and turns external rating submissions into
// rating children.
package ratings

import "github.com/eroshiva/rateable/pkg/store"

// Content model names shared with the Entity Store.
const (
	// CapabilityRateable marks a parent that may carry the aggregate.
	CapabilityRateable = "rateable"
	// AssociationRatings is the association kind linking a parent to its ratings.
	AssociationRatings = "ratings"
	// KindRating is the entity kind of a rating child.
	KindRating = "rating"

	PropRating        = "rating"
	PropRater         = "rater"
	PropAverageRating = "averageRating"
	PropTotalRating   = "totalRating"
	PropRatingCount   = "ratingCount"
)

// Aggregate is the derived (average, total, count) triple of a parent.
type Aggregate struct {
	Average float64
	Total   int64
	Count   int64
}

// properties returns the aggregate as the three parent properties, written together.
func (a Aggregate) properties() store.Properties {
	return store.Properties{
		PropAverageRating: a.Average,
		PropTotalRating:   a.Total,
		PropRatingCount:   a.Count,
	}
}

// Submission is the validated result of a rating submission.
type Submission struct {
	Parent store.Ref
	Child  store.Ref
	Rating int64
	Rater  string
}

// Summary is the read model of a rated parent.
type Summary struct {
	Parent    store.Ref
	Rateable  bool
	Aggregate Aggregate
	// UserRating is the most recent rating of the requested rater, 0 when there is none.
	UserRating int64
}
