// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package client

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type itemCount struct {
	N int64 `db:"n"`
}

func sqliteTunnel(t *testing.T) *Tunnel {
	t.Helper()
	cs := "sqlite://" + filepath.Join(t.TempDir(), "client.db") + "?_busy_timeout=5000"
	env := newEnv(t, nil, Options{ConnectionString: cs})
	tun := env.channel(t)
	require.NoError(t, tun.Execute(testCtx(t), "CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)"))
	return tun
}

func countItems(t *testing.T, tun *Tunnel) int64 {
	t.Helper()
	c, err := QueryFirst[itemCount](testCtx(t), tun, "SELECT COUNT(*) AS n FROM items")
	require.NoError(t, err)
	return c.N
}

func insertItems(ctx context.Context, b *Batch, n int) error {
	for i := 1; i <= n; i++ {
		if err := b.AddTransactionScript(ctx, "INSERT INTO items (id, label) VALUES (%v, %v)", i, "item"); err != nil {
			return err
		}
	}
	return nil
}

func TestSQLiteTransactionSplitCommits(t *testing.T) {
	tun := sqliteTunnel(t)
	b := NewBatch(tun)

	var flushed int
	err := b.RunInTransaction(testCtx(t), func(ctx context.Context, b *Batch) error {
		if err := insertItems(ctx, b, 10); err != nil {
			return err
		}
		// Four parameters fit below the margin: ten inserts need five scripts.
		flushed = b.QueryCount()
		return nil
	}, TransactionOptions{ParamMargin: ParamLimit - 4})
	require.NoError(t, err)
	require.Equal(t, 2, flushed, "the last script is sent at commit")
	require.Equal(t, int64(10), countItems(t, tun))
}

func TestSQLiteTransactionSplitCancel(t *testing.T) {
	tun := sqliteTunnel(t)
	b := NewBatch(tun)

	err := b.RunInTransaction(testCtx(t), func(ctx context.Context, b *Batch) error {
		if err := insertItems(ctx, b, 10); err != nil {
			return err
		}
		return b.CancelTransaction()
	}, TransactionOptions{ParamMargin: ParamLimit - 4})
	require.NoError(t, err)
	require.Zero(t, countItems(t, tun))
}

func TestSQLiteTransactionSingleScript(t *testing.T) {
	tun := sqliteTunnel(t)
	b := NewBatch(tun)

	err := b.RunInTransaction(testCtx(t), func(ctx context.Context, b *Batch) error {
		return insertItems(ctx, b, 3)
	}, TransactionOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(3), countItems(t, tun))
}
