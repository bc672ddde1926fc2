package store

import (
	"context"
	"fmt"
	"sync"
)

// Event is a child lifecycle transition.
type Event string

const (
	// EventCreated fires when a child entity is created.
	EventCreated Event = "created"
	// EventDeleted fires when a child entity is deleted.
	EventDeleted Event = "deleted"
)

// LifecycleEvent describes a child create or delete that happened inside a transaction.
type LifecycleEvent struct {
	Event       Event
	Parent      Ref
	ParentKind  string
	Child       Ref
	ChildKind   string
	Association string
}

// Binding selects lifecycle events. Empty ParentKind matches any parent kind.
type Binding struct {
	ParentKind string
	ChildKind  string
	Event      Event
}

func (b Binding) matches(ev LifecycleEvent) bool {
	if b.ParentKind != "" && b.ParentKind != ev.ParentKind {
		return false
	}
	return b.ChildKind == ev.ChildKind && b.Event == ev.Event
}

// Handler receives a lifecycle event at commit time. It runs inside the transaction that
// produced the event; returning an error aborts that transaction.
//
// Delivery is at-least-once and unordered across parents and across overlapping mutations of
// the same parent, so handlers must be idempotent.
type Handler func(ctx context.Context, tx Tx, ev LifecycleEvent) error

type subscription struct {
	binding Binding
	handler Handler
}

// Dispatcher keeps lifecycle subscriptions and delivers queued events. Store implementations
// embed it.
type Dispatcher struct {
	mu       sync.RWMutex
	subs     []subscription
	reserved map[string]struct{}
}

// Reserve marks property names that only system actors may write.
func (d *Dispatcher) Reserve(names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reserved == nil {
		d.reserved = make(map[string]struct{}, len(names))
	}
	for _, name := range names {
		d.reserved[name] = struct{}{}
	}
}

// CheckWrite returns ErrReservedProperty when actor may not write one of props.
func (d *Dispatcher) CheckWrite(actor Actor, props Properties) error {
	if actor.System || len(props) == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, name := range props.Names() {
		if _, ok := d.reserved[name]; ok {
			return fmt.Errorf("%w: %s", ErrReservedProperty, name)
		}
	}
	return nil
}

// Subscribe registers h for events matching b.
func (d *Dispatcher) Subscribe(b Binding, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, subscription{binding: b, handler: h})
}

func (d *Dispatcher) handlersFor(ev LifecycleEvent) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var hs []Handler
	for _, s := range d.subs {
		if s.binding.matches(ev) {
			hs = append(hs, s.handler)
		}
	}
	return hs
}

// maxDispatchRounds bounds event cascades where handlers themselves create or delete children.
const maxDispatchRounds = 16

// Deliver drains the events produced by tx and hands them to matching handlers. Events emitted
// by handlers are delivered in a following round. drain must return and forget the events
// queued so far.
func (d *Dispatcher) Deliver(ctx context.Context, tx Tx, drain func() []LifecycleEvent) error {
	for round := 0; round < maxDispatchRounds; round++ {
		events := drain()
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			for _, h := range d.handlersFor(ev) {
				if err := h(ctx, tx, ev); err != nil {
					return err
				}
			}
		}
	}
	return fmt.Errorf("store: lifecycle events still pending after %d dispatch rounds", maxDispatchRounds)
}
