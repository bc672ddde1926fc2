package db

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var builder = entsql.Dialect(dialect.Postgres)

var nodeColumns = []string{
	"id", "kind", "name", "parent_id", "association", "position", "child_seq", "version", "modified_by", "created_at",
}

type nodeRow struct {
	ref         store.Ref
	kind        string
	name        string
	parent      store.Ref
	association string
	position    int64
	childSeq    int64
	version     int64
	modifiedBy  string
	createdAt   time.Time
}

func scanNode(rows *entsql.Rows) (*nodeRow, error) {
	var (
		n      nodeRow
		parent entsql.NullString
	)
	if err := rows.Scan(&n.ref, &n.kind, &n.name, &parent, &n.association, &n.position, &n.childSeq,
		&n.version, &n.modifiedBy, &n.createdAt); err != nil {
		return nil, err
	}
	n.parent = store.Ref(parent.String)
	return &n, nil
}

type txState struct {
	tx    dialect.Tx
	guard *store.Dispatcher
	// version of every entity as this transaction last saw or wrote it, 0 when absent
	versions map[store.Ref]int64
	written  bool
	events   []store.LifecycleEvent
	done     bool
}

func newTxState(dtx dialect.Tx, guard *store.Dispatcher) *txState {
	return &txState{tx: dtx, guard: guard, versions: make(map[store.Ref]int64)}
}

func (st *txState) drain() []store.LifecycleEvent {
	events := st.events
	st.events = nil
	return events
}

func (st *txState) observe(ref store.Ref, version int64) {
	if _, ok := st.versions[ref]; !ok {
		st.versions[ref] = version
	}
}

func (st *txState) query(ctx context.Context, q string, args []any) (*entsql.Rows, error) {
	rows := &entsql.Rows{}
	if err := st.tx.Query(ctx, q, args, rows); err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func (st *txState) exec(ctx context.Context, q string, args []any) (int64, error) {
	var res entsql.Result
	if err := st.tx.Exec(ctx, q, args, &res); err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// validate checks that entities read but not written by a writing transaction are unchanged.
// Written entities are already guarded by their update.
func (st *txState) validate(ctx context.Context) error {
	if !st.written || len(st.versions) == 0 {
		return nil
	}
	refs := lo.Keys(st.versions)
	q, args := builder.Select("id", "version").
		From(builder.Table(nodesTableName)).
		Where(entsql.In("id", lo.ToAnySlice(refs)...)).
		Query()
	rows, err := st.query(ctx, q, args)
	if err != nil {
		return err
	}
	defer rows.Close()
	current := make(map[store.Ref]int64, len(refs))
	for rows.Next() {
		var (
			ref     store.Ref
			version int64
		)
		if err = rows.Scan(&ref, &version); err != nil {
			return classify(err)
		}
		current[ref] = version
	}
	if err = rows.Err(); err != nil {
		return classify(err)
	}
	for ref, seen := range st.versions {
		if current[ref] != seen {
			zlog.Debug().Msgf("Entity (%s) changed since it was read (version %d, now %d)", ref, seen, current[ref])
			return store.ErrConflict
		}
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

// load reads a single entity row, nil when it does not exist.
func (t *tx) load(ctx context.Context, ref store.Ref) (*nodeRow, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	q, args := builder.Select(nodeColumns...).
		From(builder.Table(nodesTableName)).
		Where(entsql.EQ("id", string(ref))).
		Query()
	rows, err := t.state.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, classify(err)
		}
		t.state.observe(ref, 0)
		return nil, nil
	}
	n, err := scanNode(rows)
	if err != nil {
		return nil, classify(err)
	}
	t.state.observe(ref, n.version)
	return n, nil
}

func (t *tx) existing(ctx context.Context, ref store.Ref) (*nodeRow, error) {
	n, err := t.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, store.ErrNotFound
	}
	return n, nil
}

// bump advances the version of ref, guarded by the version this transaction saw.
func (t *tx) bump(ctx context.Context, ref store.Ref, set func(*entsql.UpdateBuilder)) error {
	seen := t.state.versions[ref]
	u := builder.Update(nodesTableName).
		Set("version", seen+1).
		Where(entsql.And(entsql.EQ("id", string(ref)), entsql.EQ("version", seen)))
	if set != nil {
		set(u)
	}
	q, args := u.Query()
	n, err := t.state.exec(ctx, q, args)
	if err != nil {
		return err
	}
	if n != 1 {
		zlog.Debug().Msgf("Entity (%s) changed since version %d", ref, seen)
		return store.ErrConflict
	}
	t.state.versions[ref] = seen + 1
	t.state.written = true
	return nil
}

func (t *tx) stampActor(u *entsql.UpdateBuilder) {
	u.Set("modified_by", t.actor.ID)
}

func (t *tx) Exists(ctx context.Context, ref store.Ref) (bool, error) {
	n, err := t.load(ctx, ref)
	if err != nil {
		return false, err
	}
	return n != nil, nil
}

func (t *tx) Get(ctx context.Context, ref store.Ref) (*store.Entity, error) {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return nil, err
	}
	props, err := t.properties(ctx, ref)
	if err != nil {
		return nil, err
	}
	caps, err := t.capabilities(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &store.Entity{
		Ref:          n.ref,
		Kind:         n.kind,
		Name:         n.name,
		Parent:       n.parent,
		Association:  n.association,
		Properties:   props[ref],
		Capabilities: caps,
		ModifiedBy:   n.modifiedBy,
		Version:      n.version,
		CreatedAt:    n.createdAt,
	}, nil
}

// children returns the child rows of ref in creation order.
func (t *tx) children(ctx context.Context, ref store.Ref, association string) ([]*nodeRow, error) {
	pred := entsql.EQ("parent_id", string(ref))
	if association != "" {
		pred = entsql.And(pred, entsql.EQ("association", association))
	}
	q, args := builder.Select(nodeColumns...).
		From(builder.Table(nodesTableName)).
		Where(pred).
		OrderBy("position").
		Query()
	rows, err := t.state.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*nodeRow
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, classify(err)
		}
		t.state.observe(n.ref, n.version)
		out = append(out, n)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *tx) GetChildren(ctx context.Context, ref store.Ref, association string) ([]store.Child, error) {
	if _, err := t.existing(ctx, ref); err != nil {
		return nil, err
	}
	rows, err := t.children(ctx, ref, association)
	if err != nil {
		return nil, err
	}
	props, err := t.properties(ctx, lo.Map(rows, func(n *nodeRow, _ int) store.Ref { return n.ref })...)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(n *nodeRow, _ int) store.Child {
		return store.Child{
			Ref:         n.ref,
			Association: n.association,
			Name:        n.name,
			Kind:        n.kind,
			Properties:  props[n.ref],
		}
	}), nil
}

// properties loads the typed properties of refs. Every ref gets a non-nil set.
func (t *tx) properties(ctx context.Context, refs ...store.Ref) (map[store.Ref]store.Properties, error) {
	out := make(map[store.Ref]store.Properties, len(refs))
	for _, ref := range refs {
		out[ref] = store.Properties{}
	}
	if len(refs) == 0 {
		return out, nil
	}
	q, args := builder.Select("node_id", "name", "int_value", "float_value", "text_value", "bool_value").
		From(builder.Table(propertiesTableName)).
		Where(entsql.In("node_id", lo.ToAnySlice(refs)...)).
		Query()
	rows, err := t.state.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ref      store.Ref
			name     string
			intVal   entsql.NullInt64
			floatVal entsql.NullFloat64
			textVal  entsql.NullString
			boolVal  entsql.NullBool
		)
		if err = rows.Scan(&ref, &name, &intVal, &floatVal, &textVal, &boolVal); err != nil {
			return nil, classify(err)
		}
		switch {
		case intVal.Valid:
			out[ref][name] = intVal.Int64
		case floatVal.Valid:
			out[ref][name] = floatVal.Float64
		case textVal.Valid:
			out[ref][name] = textVal.String
		case boolVal.Valid:
			out[ref][name] = boolVal.Bool
		}
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *tx) capabilities(ctx context.Context, ref store.Ref) ([]string, error) {
	q, args := builder.Select("marker").
		From(builder.Table(capabilitiesTableName)).
		Where(entsql.EQ("node_id", string(ref))).
		OrderBy("marker").
		Query()
	rows, err := t.state.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var markers []string
	for rows.Next() {
		var m string
		if err = rows.Scan(&m); err != nil {
			return nil, classify(err)
		}
		markers = append(markers, m)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}
	return markers, nil
}

func (t *tx) GetProperty(ctx context.Context, ref store.Ref, name string) (any, error) {
	if _, err := t.existing(ctx, ref); err != nil {
		return nil, err
	}
	props, err := t.properties(ctx, ref)
	if err != nil {
		return nil, err
	}
	return props[ref][name], nil
}

// writeProperties upserts props of ref; a nil value removes the property.
func (t *tx) writeProperties(ctx context.Context, ref store.Ref, props store.Properties) error {
	for _, name := range props.Names() {
		v := props[name]
		if v == nil {
			q, args := builder.Delete(propertiesTableName).
				Where(entsql.And(entsql.EQ("node_id", string(ref)), entsql.EQ("name", name))).
				Query()
			if _, err := t.state.exec(ctx, q, args); err != nil {
				return err
			}
			continue
		}
		nv, err := store.NormalizeValue(v)
		if err != nil {
			return err
		}
		var intVal, floatVal, textVal, boolVal any
		switch val := nv.(type) {
		case int64:
			intVal = val
		case float64:
			floatVal = val
		case string:
			textVal = val
		case bool:
			boolVal = val
		}
		q, args := builder.Insert(propertiesTableName).
			Columns("node_id", "name", "int_value", "float_value", "text_value", "bool_value").
			Values(string(ref), name, intVal, floatVal, textVal, boolVal).
			OnConflict(
				entsql.ConflictColumns("node_id", "name"),
				entsql.ResolveWithNewValues(),
			).
			Query()
		if _, err = t.state.exec(ctx, q, args); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) SetProperties(ctx context.Context, ref store.Ref, props store.Properties) error {
	if _, err := t.existing(ctx, ref); err != nil {
		return err
	}
	if err := t.state.guard.CheckWrite(t.actor, props); err != nil {
		return err
	}
	if err := t.bump(ctx, ref, t.stampActor); err != nil {
		return err
	}
	return t.writeProperties(ctx, ref, props)
}

func (t *tx) HasCapability(ctx context.Context, ref store.Ref, marker string) (bool, error) {
	if _, err := t.existing(ctx, ref); err != nil {
		return false, err
	}
	caps, err := t.capabilities(ctx, ref)
	if err != nil {
		return false, err
	}
	return lo.Contains(caps, marker), nil
}

func (t *tx) AddCapability(ctx context.Context, ref store.Ref, marker string, initial store.Properties) error {
	if _, err := t.existing(ctx, ref); err != nil {
		return err
	}
	if err := t.state.guard.CheckWrite(t.actor, initial); err != nil {
		return err
	}
	if err := t.bump(ctx, ref, t.stampActor); err != nil {
		return err
	}
	q, args := builder.Insert(capabilitiesTableName).
		Columns("node_id", "marker").
		Values(string(ref), marker).
		OnConflict(
			entsql.ConflictColumns("node_id", "marker"),
			entsql.DoNothing(),
		).
		Query()
	if _, err := t.state.exec(ctx, q, args); err != nil {
		return err
	}
	return t.writeProperties(ctx, ref, initial)
}

func (t *tx) insert(ctx context.Context, kind, name string, parent store.Ref, association string, position int64,
	props store.Properties,
) (store.Ref, error) {
	if err := t.state.guard.CheckWrite(t.actor, props); err != nil {
		return "", err
	}
	if _, err := store.NormalizeProperties(props); err != nil {
		return "", err
	}
	ref := store.Ref(uuid.NewString())
	var parentID any
	if parent != "" {
		parentID = string(parent)
	}
	q, args := builder.Insert(nodesTableName).
		Columns("id", "kind", "name", "parent_id", "association", "position", "child_seq", "version", "modified_by", "created_at").
		Values(string(ref), kind, name, parentID, association, position, 0, 1, t.actor.ID, time.Now().UTC()).
		Query()
	if _, err := t.state.exec(ctx, q, args); err != nil {
		zlog.Error().Err(err).Msgf("Failed to create %s %s", kind, name)
		return "", err
	}
	t.state.versions[ref] = 1
	t.state.written = true
	if err := t.writeProperties(ctx, ref, props); err != nil {
		return "", err
	}
	return ref, nil
}

func (t *tx) CreateEntity(ctx context.Context, kind, name string, props store.Properties) (store.Ref, error) {
	if err := t.check(ctx); err != nil {
		return "", err
	}
	zlog.Debug().Msgf("Creating %s %s", kind, name)
	return t.insert(ctx, kind, name, "", "", 0, props)
}

func (t *tx) CreateChild(ctx context.Context, parent store.Ref, association, name, kind string, props store.Properties) (store.Ref, error) {
	p, err := t.existing(ctx, parent)
	if err != nil {
		return "", err
	}
	siblings, err := t.children(ctx, parent, association)
	if err != nil {
		return "", err
	}
	if lo.ContainsBy(siblings, func(n *nodeRow) bool { return n.name == name }) {
		return "", store.ErrDuplicateName
	}
	if _, err = store.NormalizeProperties(props); err != nil {
		return "", err
	}
	position := p.childSeq + 1
	if err = t.bump(ctx, parent, func(u *entsql.UpdateBuilder) { u.Set("child_seq", position) }); err != nil {
		return "", err
	}
	ref, err := t.insert(ctx, kind, name, parent, association, position, props)
	if err != nil {
		return "", err
	}
	t.state.events = append(t.state.events, store.LifecycleEvent{
		Event:       store.EventCreated,
		Parent:      parent,
		ParentKind:  p.kind,
		Child:       ref,
		ChildKind:   kind,
		Association: association,
	})
	return ref, nil
}

func (t *tx) DeleteChild(ctx context.Context, ref store.Ref) error {
	n, err := t.existing(ctx, ref)
	if err != nil {
		return err
	}
	var parentKind string
	if n.parent != "" {
		p, err := t.load(ctx, n.parent)
		if err != nil {
			return err
		}
		if p != nil {
			parentKind = p.kind
			if err = t.bump(ctx, p.ref, nil); err != nil {
				return err
			}
		}
	}
	return t.deleteTree(ctx, n, parentKind)
}

// deleteTree removes descendants first so every removal is reported against a parent that
// still existed when the child went away.
func (t *tx) deleteTree(ctx context.Context, n *nodeRow, parentKind string) error {
	children, err := t.children(ctx, n.ref, "")
	if err != nil {
		return err
	}
	for _, c := range children {
		if err = t.deleteTree(ctx, c, n.kind); err != nil {
			return err
		}
	}
	seen := t.state.versions[n.ref]
	q, args := builder.Delete(nodesTableName).
		Where(entsql.And(entsql.EQ("id", string(n.ref)), entsql.EQ("version", seen))).
		Query()
	affected, err := t.state.exec(ctx, q, args)
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("delete (%s): %w", n.ref, store.ErrConflict)
	}
	t.state.versions[n.ref] = 0
	t.state.written = true
	if n.parent != "" {
		t.state.events = append(t.state.events, store.LifecycleEvent{
			Event:       store.EventDeleted,
			Parent:      n.parent,
			ParentKind:  parentKind,
			Child:       n.ref,
			ChildKind:   n.kind,
			Association: n.association,
		})
	}
	return nil
}
