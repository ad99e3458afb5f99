package dbx

import (
	"context"
	"database/sql"
	"fmt"
)

// Hooks collects callbacks to run only after the surrounding transaction
// has committed. It makes post-commit cleanup (blob deletion after row
// deletion) an explicit, testable step instead of framework behavior.
type Hooks struct {
	fns []func()
}

// OnCommit registers fn to run after a successful commit. Hooks run in
// registration order. They are dropped on rollback.
func (h *Hooks) OnCommit(fn func()) {
	h.fns = append(h.fns, fn)
}

func (h *Hooks) run() {
	for _, fn := range h.fns {
		fn()
	}
}

// WithTxHooks is WithTx with a post-commit hook coordinator. fn receives a
// transactional handle plus a Hooks collector; registered hooks fire after
// the commit succeeds and never on rollback.
func WithTxHooks(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX, hooks *Hooks) error) error {
	hooks := &Hooks{}
	err := WithTx(ctx, db, opts, func(ctx context.Context, tx DBTX) error {
		return fn(ctx, tx, hooks)
	})
	if err != nil {
		return err
	}
	hooks.run()
	return nil
}

// WithSavepoint runs fn inside a savepoint on tx. On error the savepoint is
// rolled back and the outer transaction stays usable; on success it is
// released. name must be a valid SQL identifier supplied by the caller,
// never user input.
func WithSavepoint(ctx context.Context, tx DBTX, name string, fn func(ctx context.Context) error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint %s after %w: %v", name, err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}
