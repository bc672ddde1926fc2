package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eroshiva/rateable/pkg/store"
	"github.com/eroshiva/rateable/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

var alice = store.Actor{ID: "alice"}

func newRoot(ctx context.Context, t *testing.T, s *memory.Store) store.Ref {
	t.Helper()
	var ref store.Ref
	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		var err error
		ref, err = tx.CreateEntity(ctx, "document", "whitepaper.pdf", store.Properties{"title": "Whitepaper"})
		return err
	})
	require.NoError(t, err)
	return ref
}

func TestCreateAndReadBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()

	doc := newRoot(ctx, t, s)
	var child store.Ref
	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		var err error
		child, err = tx.CreateChild(ctx, doc, "ratings", "r1", "rating", store.Properties{"rating": 3, "rater": "alice"})
		if err != nil {
			return err
		}
		_, err = tx.CreateChild(ctx, doc, "comments", "c1", "comment", store.Properties{"rating": 5})
		return err
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		all, err := tx.GetChildren(ctx, doc, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		ratings, err := tx.GetChildren(ctx, doc, "ratings")
		require.NoError(t, err)
		require.Len(t, ratings, 1)
		assert.Equal(t, child, ratings[0].Ref)
		// integers are normalized to int64
		assert.Equal(t, int64(3), ratings[0].Properties["rating"])

		v, err := tx.GetProperty(ctx, child, "rater")
		require.NoError(t, err)
		assert.Equal(t, "alice", v)

		e, err := tx.Get(ctx, child)
		require.NoError(t, err)
		assert.Equal(t, doc, e.Parent)
		assert.Equal(t, "ratings", e.Association)
		return nil
	})
	require.NoError(t, err)
}

func TestRollbackOnError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()
	doc := newRoot(ctx, t, s)

	boom := errors.New("boom")
	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.SetProperties(ctx, doc, store.Properties{"title": "changed"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		v, err := tx.GetProperty(ctx, doc, "title")
		require.NoError(t, err)
		assert.Equal(t, "Whitepaper", v)
		return nil
	})
	require.NoError(t, err)
}

func TestDuplicateChildName(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()
	doc := newRoot(ctx, t, s)

	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.CreateChild(ctx, doc, "ratings", "same", "rating", nil); err != nil {
			return err
		}
		_, err := tx.CreateChild(ctx, doc, "ratings", "same", "rating", nil)
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateName)
}

func TestOptimisticConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()
	doc := newRoot(ctx, t, s)

	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProperty(ctx, doc, "title"); err != nil {
			return err
		}
		// a competing transaction commits a write to the same entity in between
		inner := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
			return tx.SetProperties(ctx, doc, store.Properties{"title": "first"})
		})
		require.NoError(t, inner)
		return tx.SetProperties(ctx, doc, store.Properties{"title": "second"})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestLifecycleEventsDeliveredBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()
	doc := newRoot(ctx, t, s)

	var seen []store.LifecycleEvent
	handler := func(ctx context.Context, tx store.Tx, ev store.LifecycleEvent) error {
		seen = append(seen, ev)
		return tx.WithActor(store.SystemActor).SetProperties(ctx, ev.Parent, store.Properties{"touched": true})
	}
	s.Subscribe(store.Binding{ChildKind: "rating", Event: store.EventCreated}, handler)
	s.Subscribe(store.Binding{ChildKind: "rating", Event: store.EventDeleted}, handler)

	var child store.Ref
	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		var err error
		child, err = tx.CreateChild(ctx, doc, "ratings", "r1", "rating", nil)
		if err != nil {
			return err
		}
		_, err = tx.CreateChild(ctx, doc, "comments", "c1", "comment", nil)
		return err
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, store.EventCreated, seen[0].Event)
	assert.Equal(t, doc, seen[0].Parent)
	assert.Equal(t, "document", seen[0].ParentKind)
	assert.Equal(t, "ratings", seen[0].Association)

	err = s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.Get(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, true, e.Properties["touched"])
		assert.Equal(t, store.SystemActor.ID, e.ModifiedBy)
		return tx.DeleteChild(ctx, child)
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, store.EventDeleted, seen[1].Event)
}

func TestHandlerErrorAbortsTransaction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()
	doc := newRoot(ctx, t, s)

	boom := errors.New("corrupt")
	s.Subscribe(store.Binding{ChildKind: "rating", Event: store.EventCreated},
		func(context.Context, store.Tx, store.LifecycleEvent) error { return boom })

	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateChild(ctx, doc, "ratings", "r1", "rating", nil)
		return err
	})
	require.ErrorIs(t, err, boom)

	err = s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		children, err := tx.GetChildren(ctx, doc, "")
		require.NoError(t, err)
		assert.Empty(t, children)
		return nil
	})
	require.NoError(t, err)
}

func TestCascadingDeleteReportsChildrenFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	s := memory.New()
	doc := newRoot(ctx, t, s)

	var parentExisted []bool
	s.Subscribe(store.Binding{ChildKind: "rating", Event: store.EventDeleted},
		func(ctx context.Context, tx store.Tx, ev store.LifecycleEvent) error {
			ok, err := tx.Exists(ctx, ev.Parent)
			parentExisted = append(parentExisted, ok)
			return err
		})

	err := s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateChild(ctx, doc, "ratings", "r1", "rating", nil)
		return err
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteChild(ctx, doc)
	})
	require.NoError(t, err)
	// the parent went away in the same transaction as its last child
	assert.Equal(t, []bool{false}, parentExisted)

	err = s.RunInTx(ctx, alice, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.Exists(ctx, doc)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = tx.Get(ctx, doc)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())
	err := s.RunInTx(context.Background(), alice, func(context.Context, store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestUnsupportedPropertyValue(t *testing.T) {
	s := memory.New()
	err := s.RunInTx(context.Background(), alice, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateEntity(ctx, "document", "x", store.Properties{"bad": []int{1}})
		return err
	})
	assert.ErrorIs(t, err, store.ErrUnsupportedValue)
}
