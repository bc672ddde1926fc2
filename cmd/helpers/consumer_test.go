package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	"github.com/eroshiva/rateable/pkg/store"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAcknowledger struct {
	acks     int
	nacks    []bool
	failWith error
}

func (a *recordingAcknowledger) Ack(uint64, bool) error {
	a.acks++
	return a.failWith
}

func (a *recordingAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks = append(a.nacks, requeue)
	return a.failWith
}

func (a *recordingAcknowledger) Reject(_ uint64, requeue bool) error {
	a.nacks = append(a.nacks, requeue)
	return a.failWith
}

type fakeReconciler struct {
	parents []store.Ref
	err     error
}

func (f *fakeReconciler) Recompute(_ context.Context, parent store.Ref) (*ratings.Aggregate, error) {
	f.parents = append(f.parents, parent)
	if f.err != nil {
		return nil, f.err
	}
	return &ratings.Aggregate{Average: 3, Total: 3, Count: 1}, nil
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := zlog
	zlog = zerolog.New(&buf)
	t.Cleanup(func() { zlog = prev })
	return &buf
}

func delivery(t *testing.T, a amqp.Acknowledger, parent string) amqp.Delivery {
	t.Helper()
	body, err := rabbitmq.Encode(rabbitmq.RatingEvent{Action: rabbitmq.ActionSubmitted, Parent: parent, Timestamp: time.Now()})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: a, DeliveryTag: 7, Body: body}
}

func TestHandleAcknowledgesReconciledParent(t *testing.T) {
	captureLogs(t)
	a := &recordingAcknowledger{}
	r := &fakeReconciler{}

	handle(context.Background(), r, delivery(t, a, "doc-1"))
	assert.Equal(t, []store.Ref{"doc-1"}, r.parents)
	assert.Equal(t, 1, a.acks)
	assert.Empty(t, a.nacks)
}

func TestHandleRequeuesOnlyStoreOutages(t *testing.T) {
	captureLogs(t)
	a := &recordingAcknowledger{}

	handle(context.Background(), &fakeReconciler{err: &ratings.Error{Kind: ratings.KindStoreUnavailable}}, delivery(t, a, "doc-1"))
	handle(context.Background(), &fakeReconciler{err: &ratings.Error{Kind: ratings.KindDataIntegrity}}, delivery(t, a, "doc-1"))
	handle(context.Background(), &fakeReconciler{}, amqp.Delivery{Acknowledger: a, Body: []byte("{not json")})

	assert.Equal(t, []bool{true, false, false}, a.nacks)
	assert.Zero(t, a.acks)
}

func TestHandleLogsFailedAcknowledgements(t *testing.T) {
	logs := captureLogs(t)
	a := &recordingAcknowledger{failWith: errors.New("channel closed")}

	handle(context.Background(), &fakeReconciler{}, delivery(t, a, "doc-1"))
	assert.Equal(t, 1, a.acks)
	assert.Contains(t, logs.String(), "Failed to acknowledge delivery 7")
	assert.Contains(t, logs.String(), "channel closed")

	logs.Reset()
	handle(context.Background(), &fakeReconciler{}, amqp.Delivery{Acknowledger: a, DeliveryTag: 8, Body: []byte("{}")})
	assert.Contains(t, logs.String(), "Failed to reject delivery 8")
}
