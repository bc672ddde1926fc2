package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/eroshiva/rateable/pkg/store"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pq.Error{Code: "23505"}, store.ErrConflict},
		{"serialization failure", &pq.Error{Code: "40001"}, store.ErrConflict},
		{"deadlock", fmt.Errorf("exec: %w", &pq.Error{Code: "40P01"}), store.ErrConflict},
		{"parent gone", &pq.Error{Code: "23503"}, store.ErrConflict},
		{"connection failure", &pq.Error{Code: "08006"}, store.ErrUnavailable},
		{"driver error", errors.New("driver: bad connection"), store.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, context.DeadlineExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
	assert.NoError(t, classify(nil))
}
