package store

import "context"

// CreateEntity creates a root entity in a transaction of its own and returns its snapshot.
func CreateEntity(ctx context.Context, s Store, actor Actor, kind, name string, props Properties) (*Entity, error) {
	if kind == "" || name == "" {
		return nil, ErrInvalidEntity
	}
	var e *Entity
	err := s.RunInTx(ctx, actor, func(ctx context.Context, tx Tx) error {
		ref, err := tx.CreateEntity(ctx, kind, name, props)
		if err != nil {
			return err
		}
		e, err = tx.Get(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEntity reads a snapshot of ref.
func GetEntity(ctx context.Context, s Store, ref Ref) (*Entity, error) {
	var e *Entity
	err := s.RunInTx(ctx, SystemActor, func(ctx context.Context, tx Tx) error {
		var err error
		e, err = tx.Get(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteEntity deletes ref and everything below it.
func DeleteEntity(ctx context.Context, s Store, actor Actor, ref Ref) error {
	return s.RunInTx(ctx, actor, func(ctx context.Context, tx Tx) error {
		return tx.DeleteChild(ctx, ref)
	})
}

// Subtree returns ref and every entity below it, parents before children.
func Subtree(ctx context.Context, s Store, ref Ref) ([]Ref, error) {
	var refs []Ref
	err := s.RunInTx(ctx, SystemActor, func(ctx context.Context, tx Tx) error {
		refs = refs[:0]
		if _, err := tx.Get(ctx, ref); err != nil {
			return err
		}
		queue := []Ref{ref}
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			refs = append(refs, next)
			children, err := tx.GetChildren(ctx, next, "")
			if err != nil {
				return err
			}
			for _, c := range children {
				queue = append(queue, c.Ref)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
