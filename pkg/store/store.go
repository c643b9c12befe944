// Package store is the plain-SQL persistence layer for every entity in
// pkg/models. There is no ORM and no lazy loading: every query is explicit,
// every relation crosses a foreign-key ID, and callers read back exactly the
// columns they asked for.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptforge/evalengine/pkg/enginerr"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method below run either directly against the pool or inside WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the pgx pool and exposes one repository method set per
// entity. Construct with New; all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store over an already-connected pool (see pkg/database).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic. Nested calls are not supported; callers that
// need a tx-scoped Store use the *TxStore fn receives.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *TxStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &TxStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}
	committed = true
	return nil
}

// TxStore is a Store scoped to a single in-flight transaction.
type TxStore struct {
	tx pgx.Tx
}

func (s *Store) db() querier   { return s.pool }
func (t *TxStore) db() querier { return t.tx }

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONInto(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func wrapNotFound(kind string, key any, err error) error {
	if err == pgx.ErrNoRows {
		return enginerr.NewNotFoundError(kind, key)
	}
	return fmt.Errorf("store: %s: %w", kind, err)
}
