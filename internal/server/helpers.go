package server

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"
)

// EntityToStruct converts an entity snapshot into its JSON representation.
func EntityToStruct(e *store.Entity) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"ref":          e.Ref.String(),
		"kind":         e.Kind,
		"name":         e.Name,
		"parent":       e.Parent.String(),
		"association":  e.Association,
		"properties":   map[string]any(e.Properties),
		"capabilities": lo.ToAnySlice(e.Capabilities),
		"modifiedBy":   e.ModifiedBy,
		"version":      e.Version,
		"createdAt":    e.CreatedAt.Format(time.RFC3339Nano),
	})
}

// SummaryToStruct converts a rating summary into its JSON representation.
func SummaryToStruct(s *ratings.Summary) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"parent":   s.Parent.String(),
		"rateable": s.Rateable,
		"average":  s.Aggregate.Average,
		"total":    s.Aggregate.Total,
		"count":    s.Aggregate.Count,
		"user":     s.UserRating,
	})
}

// AggregateToStruct converts a recomputed aggregate into its JSON representation. A nil
// aggregate means the parent was not rateable.
func AggregateToStruct(parent store.Ref, a *ratings.Aggregate) (*structpb.Struct, error) {
	fields := map[string]any{
		"parent":   parent.String(),
		"rateable": a != nil,
	}
	if a != nil {
		fields["average"] = a.Average
		fields["total"] = a.Total
		fields["count"] = a.Count
	}
	return structpb.NewStruct(fields)
}

// SubmissionToStruct converts a submitted or removed rating into its JSON representation.
func SubmissionToStruct(s *ratings.Submission) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"parent": s.Parent.String(),
		"rating": s.Child.String(),
		"value":  s.Rating,
		"rater":  s.Rater,
	})
}

// stringField returns a string field of req. Numbers are formatted without loss so that a
// rating may be sent both as "3" and as 3.
func stringField(req *structpb.Struct, name string) string {
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return ""
	}
}

// propertiesFromStruct converts JSON properties into entity properties. Integral numbers
// become integers.
func propertiesFromStruct(s *structpb.Struct) (store.Properties, error) {
	props := store.Properties{}
	for name, v := range s.GetFields() {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			props[name] = k.StringValue
		case *structpb.Value_BoolValue:
			props[name] = k.BoolValue
		case *structpb.Value_NumberValue:
			if k.NumberValue == math.Trunc(k.NumberValue) && math.Abs(k.NumberValue) < 1<<53 {
				props[name] = int64(k.NumberValue)
			} else {
				props[name] = k.NumberValue
			}
		default:
			return nil, fmt.Errorf("property %q must be a string, a number or a boolean", name)
		}
	}
	return props, nil
}

// ComposeEvent builds the event published after a rating mutation.
func ComposeEvent(action rabbitmq.Action, s *ratings.Submission) rabbitmq.RatingEvent {
	return rabbitmq.RatingEvent{
		Action:    action,
		Parent:    s.Parent.String(),
		Rating:    s.Child.String(),
		Value:     s.Rating,
		Rater:     s.Rater,
		Timestamp: time.Now().UTC(),
	}
}
