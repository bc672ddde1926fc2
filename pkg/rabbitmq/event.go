package rabbitmq

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Action names what happened to the ratings of a parent.
type Action string

const (
	// ActionSubmitted is published after a rating was submitted.
	ActionSubmitted Action = "submitted"
	// ActionDeleted is published after a single rating was deleted.
	ActionDeleted Action = "deleted"
	// ActionCleared is published after all ratings of a parent were deleted.
	ActionCleared Action = "cleared"
)

// RatingEvent is the message published on every rating mutation. Consumers treat it as a hint
// to recompute the aggregate of Parent.
type RatingEvent struct {
	Action    Action    `json:"action"`
	Parent    string    `json:"parent"`
	Rating    string    `json:"rating,omitempty"`
	Value     int64     `json:"value,omitempty"`
	Rater     string    `json:"rater,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes ev to JSON.
func Encode(ev RatingEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return body, nil
}

// Decode parses a message body produced by Encode.
func Decode(body []byte) (RatingEvent, error) {
	var ev RatingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return RatingEvent{}, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if ev.Parent == "" {
		return RatingEvent{}, fmt.Errorf("rating event without parent")
	}
	return ev, nil
}
