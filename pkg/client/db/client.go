// Package db implements the PostgreSQL Entity Store.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/eroshiva/rateable/pkg/logger"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/lib/pq"
)

var zlog = logger.NewLogger("db-client")

// Connect opens a connection pool to PostgreSQL and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*entsql.Driver, error) {
	if dsn == "" {
		err := fmt.Errorf("PostgreSQL DSN is not specified")
		zlog.Error().Err(err).Send()
		return nil, err
	}
	zlog.Info().Msgf("Connecting to PostgreSQL")
	drv, err := entsql.Open(dialect.Postgres, dsn)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to open connection to PostgreSQL")
		return nil, err
	}
	if err = drv.DB().PingContext(ctx); err != nil {
		zlog.Error().Err(err).Msg("PostgreSQL is not reachable")
		return nil, closeOnError(drv, err)
	}
	return drv, nil
}

// GracefullyCloseDBClient closes the connection pool.
func GracefullyCloseDBClient(drv *entsql.Driver) error {
	zlog.Info().Msg("Closing connection to PostgreSQL")
	if err := drv.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close connection to PostgreSQL")
		return err
	}
	return nil
}

func closeOnError(drv *entsql.Driver, err error) error {
	if cerr := drv.Close(); cerr != nil {
		err = fmt.Errorf("%w: %v", err, cerr)
	}
	return err
}

// Store is the Entity Store backed by PostgreSQL. Every transaction remembers the version of each
// entity it read; writes are guarded by that version, so a concurrent modification makes the
// write affect no rows and the transaction fails with store.ErrConflict.
type Store struct {
	store.Dispatcher

	drv    *entsql.Driver
	closed atomic.Bool
}

// NewStore returns a Store on top of an open and migrated driver. The Store owns drv.
func NewStore(drv *entsql.Driver) *Store {
	return &Store{drv: drv}
}

// RunInTx runs fn in a DB transaction, delivers its lifecycle events and commits.
func (s *Store) RunInTx(ctx context.Context, actor store.Actor, fn store.TxFunc) error {
	if s.closed.Load() {
		return store.ErrUnavailable
	}
	dtx, err := s.drv.Tx(ctx)
	if err != nil {
		zlog.Error().Err(err).Msgf("Failed to create transaction")
		return classify(err)
	}
	st := newTxState(dtx, &s.Dispatcher)
	t := &tx{state: st, actor: actor}
	defer func() { st.done = true }()

	if err = fn(ctx, t); err != nil {
		return rollback(dtx, err)
	}
	if err = s.Deliver(ctx, t, st.drain); err != nil {
		return rollback(dtx, err)
	}
	if err = st.validate(ctx); err != nil {
		return rollback(dtx, err)
	}
	if err = dtx.Commit(); err != nil {
		zlog.Error().Err(err).Msgf("Failed to commit transaction")
		return classify(err)
	}
	return nil
}

// Close makes the Store refuse new transactions and closes the connection pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return GracefullyCloseDBClient(s.drv)
}

// rollback calls to tx.Rollback and wraps the given error
// with the rollback error if occurred.
func rollback(tx dialect.Tx, err error) error {
	if rerr := tx.Rollback(); rerr != nil {
		err = fmt.Errorf("%w: %v", err, rerr)
		zlog.Error().Err(err).Msgf("Failed to rollback transaction")
	}
	return err
}

// classify maps driver errors onto store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "serialization_failure", "deadlock_detected", "unique_violation":
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case "foreign_key_violation":
			// the parent went away under a concurrent transaction
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
