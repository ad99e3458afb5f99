package dbx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithTxHooks_RunsAfterCommit(t *testing.T) {
	db := setupDB(t)

	var order []string
	err := WithTxHooks(context.Background(), db, nil, func(ctx context.Context, tx DBTX, hooks *Hooks) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('ok')`)
		hooks.OnCommit(func() {
			// By hook time the row must be visible outside the tx.
			require.Equal(t, 1, countRows(t, db))
			order = append(order, "hook")
		})
		order = append(order, "fn")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []string{"fn", "hook"}, order)
}

func TestWithTxHooks_DroppedOnRollback(t *testing.T) {
	db := setupDB(t)

	fired := false
	err := WithTxHooks(context.Background(), db, nil, func(ctx context.Context, tx DBTX, hooks *Hooks) error {
		hooks.OnCommit(func() { fired = true })
		return errors.New("boom")
	})
	require.Error(t, err)
	require.False(t, fired, "hooks must not run on rollback")
}

func TestWithSavepoint_RollbackKeepsOuterTx(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('outer')`); err != nil {
			return err
		}
		spErr := WithSavepoint(ctx, tx, "sp_test", func(ctx context.Context) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('inner')`); err != nil {
				return err
			}
			return errors.New("inner failure")
		})
		require.Error(t, spErr)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, db), "outer row committed, inner rolled back")
}

func TestWithSavepoint_ReleasedOnSuccess(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		return WithSavepoint(ctx, tx, "sp_ok", func(ctx context.Context) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('inner')`)
			return err
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, db))
}
