// Package store defines the Entity Store contract used by the rating core: entities, their
// properties, capability markers and child associations, all accessed through a transaction.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/samber/lo"
)

// Ref is an opaque reference to an entity held by the store.
type Ref string

// String returns the string form of the reference.
func (r Ref) String() string {
	return string(r)
}

// Properties is a set of named entity properties. Supported value types are int64 (any Go
// integer is normalized to it), float64, string and bool.
type Properties map[string]any

// Clone returns a shallow copy of the property set.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns property names in lexical order.
func (p Properties) Names() []string {
	names := lo.Keys(map[string]any(p))
	sort.Strings(names)
	return names
}

// Actor is the explicit identity a transaction runs as. Writes are stamped with it.
type Actor struct {
	ID     string
	System bool
}

// SystemActor is used for writes the platform performs on its own behalf.
var SystemActor = Actor{ID: "system", System: true}

// Entity is a read-only snapshot of an entity.
type Entity struct {
	Ref          Ref
	Kind         string
	Name         string
	Parent       Ref
	Association  string
	Properties   Properties
	Capabilities []string
	ModifiedBy   string
	Version      int64
	CreatedAt    time.Time
}

// HasCapability reports whether the snapshot carries the marker.
func (e *Entity) HasCapability(marker string) bool {
	return lo.Contains(e.Capabilities, marker)
}

// Child describes one child association edge together with the child's properties.
type Child struct {
	Ref         Ref
	Association string
	Name        string
	Kind        string
	Properties  Properties
}

// Tx is a unit of work. All operations of a Tx commit or roll back together.
type Tx interface {
	// Actor returns the identity writes of this view are attributed to.
	Actor() Actor
	// WithActor returns a view of the same transaction that attributes writes to a.
	WithActor(a Actor) Tx

	Exists(ctx context.Context, ref Ref) (bool, error)
	Get(ctx context.Context, ref Ref) (*Entity, error)
	// GetChildren returns the current children of ref in creation order. An empty
	// association returns children of every association kind.
	GetChildren(ctx context.Context, ref Ref, association string) ([]Child, error)
	GetProperty(ctx context.Context, ref Ref, name string) (any, error)
	SetProperties(ctx context.Context, ref Ref, props Properties) error
	HasCapability(ctx context.Context, ref Ref, marker string) (bool, error)
	AddCapability(ctx context.Context, ref Ref, marker string, initial Properties) error
	// CreateEntity creates a root entity with no parent.
	CreateEntity(ctx context.Context, kind, name string, props Properties) (Ref, error)
	CreateChild(ctx context.Context, parent Ref, association, name, kind string, props Properties) (Ref, error)
	// DeleteChild deletes the entity and everything below it.
	DeleteChild(ctx context.Context, ref Ref) error
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is an Entity Store. RunInTx runs fn in a fresh transaction, delivers the lifecycle
// events it produced to subscribed handlers inside the same transaction and commits.
// Any error from fn or from a handler rolls the whole transaction back.
type Store interface {
	RunInTx(ctx context.Context, actor Actor, fn TxFunc) error
	Subscribe(b Binding, h Handler)
	// Reserve marks property names that only system actors may write.
	Reserve(names ...string)
	Close() error
}

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: entity not found")
	// ErrConflict is returned when a transaction observed state that changed before commit.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrDuplicateName is returned when a sibling with the same association and name exists.
	ErrDuplicateName = errors.New("store: duplicate child name")
	// ErrUnavailable is returned when the backing store cannot serve the request.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrTxDone is returned when a finished transaction is used.
	ErrTxDone = errors.New("store: transaction already finished")
	// ErrUnsupportedValue is returned for property values of an unsupported type.
	ErrUnsupportedValue = errors.New("store: unsupported property value")
	// ErrInvalidEntity is returned when an entity lacks its kind or name.
	ErrInvalidEntity = errors.New("store: entity kind and name are required")
	// ErrReservedProperty is returned when a non-system actor writes a reserved property.
	ErrReservedProperty = errors.New("store: reserved property")
)

// NormalizeValue converts a property value to its canonical stored type.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case float64, string, bool:
		return val, nil
	default:
		return nil, ErrUnsupportedValue
	}
}

// NormalizeProperties normalizes every value of props into a new set.
func NormalizeProperties(props Properties) (Properties, error) {
	out := make(Properties, len(props))
	for k, v := range props {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}
