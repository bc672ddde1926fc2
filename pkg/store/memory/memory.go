// Package memory implements an in-process Entity Store. Transactions work on private copies of
// the entities they touch and are validated against per-entity versions at commit, so
// conflicting concurrent transactions fail with store.ErrConflict instead of blocking.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/eroshiva/rateable/pkg/logger"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var zlog = logger.NewLogger("memory-store")

type node struct {
	ref          store.Ref
	kind         string
	name         string
	parent       store.Ref
	association  string
	props        store.Properties
	capabilities []string
	children     []store.Ref
	modifiedBy   string
	version      int64
	createdAt    time.Time
}

func (n *node) clone() *node {
	c := *n
	c.props = n.props.Clone()
	c.capabilities = append([]string(nil), n.capabilities...)
	c.children = append([]store.Ref(nil), n.children...)
	return &c
}

func (n *node) entity() *store.Entity {
	return &store.Entity{
		Ref:          n.ref,
		Kind:         n.kind,
		Name:         n.name,
		Parent:       n.parent,
		Association:  n.association,
		Properties:   n.props.Clone(),
		Capabilities: append([]string(nil), n.capabilities...),
		ModifiedBy:   n.modifiedBy,
		Version:      n.version,
		CreatedAt:    n.createdAt,
	}
}

// Store is the in-memory Entity Store.
type Store struct {
	store.Dispatcher

	mu     sync.RWMutex
	nodes  map[store.Ref]*node
	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{nodes: make(map[store.Ref]*node)}
}

// RunInTx runs fn in a new transaction, delivers its lifecycle events and commits.
func (s *Store) RunInTx(ctx context.Context, actor store.Actor, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return store.ErrUnavailable
	}

	st := &txState{
		s:     s,
		reads: make(map[store.Ref]int64),
		view:  make(map[store.Ref]*node),
		dirty: make(map[store.Ref]struct{}),
	}
	t := &tx{state: st, actor: actor}
	defer func() { st.done = true }()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := s.Deliver(ctx, t, st.drain); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return st.commit()
}

// Close makes every following transaction fail with store.ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type txState struct {
	s *Store
	// version of every base entity observed by the transaction, 0 when it was absent
	reads  map[store.Ref]int64
	view   map[store.Ref]*node
	dirty  map[store.Ref]struct{}
	events []store.LifecycleEvent
	done   bool
}

func (st *txState) load(ref store.Ref) *node {
	if n, ok := st.view[ref]; ok {
		return n
	}
	st.s.mu.RLock()
	var n *node
	var version int64
	if base, ok := st.s.nodes[ref]; ok {
		n = base.clone()
		version = base.version
	}
	st.s.mu.RUnlock()
	st.reads[ref] = version
	st.view[ref] = n
	return n
}

func (st *txState) write(ref store.Ref, n *node) {
	st.view[ref] = n
	st.dirty[ref] = struct{}{}
}

func (st *txState) drain() []store.LifecycleEvent {
	events := st.events
	st.events = nil
	return events
}

func (st *txState) commit() error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.closed {
		return store.ErrUnavailable
	}
	if len(st.dirty) == 0 {
		return nil
	}
	for ref, seen := range st.reads {
		var current int64
		if n, ok := st.s.nodes[ref]; ok {
			current = n.version
		}
		if current != seen {
			zlog.Debug().Msgf("Entity (%s) changed since it was read (version %d, now %d)", ref, seen, current)
			return store.ErrConflict
		}
	}
	for ref := range st.dirty {
		n := st.view[ref]
		if n == nil {
			delete(st.s.nodes, ref)
			continue
		}
		n.version = st.reads[ref] + 1
		st.s.nodes[ref] = n
	}
	return nil
}

type tx struct {
	state *txState
	actor store.Actor
}

func (t *tx) Actor() store.Actor {
	return t.actor
}

func (t *tx) WithActor(a store.Actor) store.Tx {
	return &tx{state: t.state, actor: a}
}

func (t *tx) check(ctx context.Context) error {
	if t.state.done {
		return store.ErrTxDone
	}
	return ctx.Err()
}

func (t *tx) existing(ctx context.Context, ref store.Ref) (*node, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	n := t.state.load(ref)
	if n == nil {
		return nil, store.ErrNotFound
	}
	return n, nil
}

func (t *tx) Exists(ctx context.Context, ref store.Ref) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	return t.state.load(ref) != nil, nil
}

func (t *tx) Get(ctx context.Context, ref store.Ref) (*store.Entity, error) {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return nil, err
	}
	return n.entity(), nil
}

func (t *tx) GetChildren(ctx context.Context, ref store.Ref, association string) ([]store.Child, error) {
	p, err := t.existing(ctx, ref)
	if err != nil {
		return nil, err
	}
	children := make([]store.Child, 0, len(p.children))
	for _, cref := range p.children {
		c := t.state.load(cref)
		if c == nil {
			continue
		}
		if association != "" && c.association != association {
			continue
		}
		children = append(children, store.Child{
			Ref:         c.ref,
			Association: c.association,
			Name:        c.name,
			Kind:        c.kind,
			Properties:  c.props.Clone(),
		})
	}
	return children, nil
}

func (t *tx) GetProperty(ctx context.Context, ref store.Ref, name string) (any, error) {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return nil, err
	}
	return n.props[name], nil
}

func (t *tx) SetProperties(ctx context.Context, ref store.Ref, props store.Properties) error {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return err
	}
	if err = t.state.s.CheckWrite(t.actor, props); err != nil {
		return err
	}
	if err = applyProperties(n, props); err != nil {
		return err
	}
	n.modifiedBy = t.actor.ID
	t.state.write(ref, n)
	return nil
}

// applyProperties sets props on n; a nil value removes the property.
func applyProperties(n *node, props store.Properties) error {
	for name, v := range props {
		if v == nil {
			delete(n.props, name)
			continue
		}
		nv, err := store.NormalizeValue(v)
		if err != nil {
			return err
		}
		n.props[name] = nv
	}
	return nil
}

func (t *tx) HasCapability(ctx context.Context, ref store.Ref, marker string) (bool, error) {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return false, err
	}
	return lo.Contains(n.capabilities, marker), nil
}

func (t *tx) AddCapability(ctx context.Context, ref store.Ref, marker string, initial store.Properties) error {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return err
	}
	if err = t.state.s.CheckWrite(t.actor, initial); err != nil {
		return err
	}
	if !lo.Contains(n.capabilities, marker) {
		n.capabilities = append(n.capabilities, marker)
	}
	if err = applyProperties(n, initial); err != nil {
		return err
	}
	n.modifiedBy = t.actor.ID
	t.state.write(ref, n)
	return nil
}

func (t *tx) newNode(kind, name string, props store.Properties) (*node, error) {
	if err := t.state.s.CheckWrite(t.actor, props); err != nil {
		return nil, err
	}
	normalized, err := store.NormalizeProperties(props)
	if err != nil {
		return nil, err
	}
	ref := store.Ref(uuid.NewString())
	// a fresh reference must still be absent at commit
	t.state.reads[ref] = 0
	return &node{
		ref:        ref,
		kind:       kind,
		name:       name,
		props:      normalized,
		modifiedBy: t.actor.ID,
		version:    1,
		createdAt:  time.Now().UTC(),
	}, nil
}

func (t *tx) CreateEntity(ctx context.Context, kind, name string, props store.Properties) (store.Ref, error) {
	if err := t.check(ctx); err != nil {
		return "", err
	}
	n, err := t.newNode(kind, name, props)
	if err != nil {
		return "", err
	}
	t.state.write(n.ref, n)
	return n.ref, nil
}

func (t *tx) CreateChild(ctx context.Context, parent store.Ref, association, name, kind string, props store.Properties) (store.Ref, error) {
	p, err := t.existing(ctx, parent)
	if err != nil {
		return "", err
	}
	for _, cref := range p.children {
		if c := t.state.load(cref); c != nil && c.association == association && c.name == name {
			return "", store.ErrDuplicateName
		}
	}
	n, err := t.newNode(kind, name, props)
	if err != nil {
		return "", err
	}
	n.parent = parent
	n.association = association
	p.children = append(p.children, n.ref)
	t.state.write(parent, p)
	t.state.write(n.ref, n)
	t.state.events = append(t.state.events, store.LifecycleEvent{
		Event:       store.EventCreated,
		Parent:      parent,
		ParentKind:  p.kind,
		Child:       n.ref,
		ChildKind:   kind,
		Association: association,
	})
	return n.ref, nil
}

func (t *tx) DeleteChild(ctx context.Context, ref store.Ref) error {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return err
	}
	t.deleteTree(n)
	return nil
}

// deleteTree removes descendants first so every removal is reported against a parent that
// still existed when the child went away.
func (t *tx) deleteTree(n *node) {
	for _, cref := range append([]store.Ref(nil), n.children...) {
		if c := t.state.load(cref); c != nil {
			t.deleteTree(c)
		}
	}
	if n.parent != "" {
		var parentKind string
		if p := t.state.load(n.parent); p != nil {
			parentKind = p.kind
			p.children = lo.Without(p.children, n.ref)
			t.state.write(p.ref, p)
		}
		t.state.events = append(t.state.events, store.LifecycleEvent{
			Event:       store.EventDeleted,
			Parent:      n.parent,
			ParentKind:  parentKind,
			Child:       n.ref,
			ChildKind:   n.kind,
			Association: n.association,
		})
	}
	t.state.write(n.ref, nil)
}
