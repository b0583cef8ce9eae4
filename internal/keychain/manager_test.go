// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package keychain

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"
)

func TestDSNRoundTrip(t *testing.T) {
	m := NewManagerWithRing(keyring.NewArrayKeyring(nil))

	_, err := m.LoadDBDSN()
	require.ErrorIs(t, err, ErrNotStored)

	require.NoError(t, m.SaveDBDSN("postgres://u:p@h/db"))
	got, err := m.LoadDBDSN()
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@h/db", got)

	require.NoError(t, m.ClearDB())
	require.NoError(t, m.ClearDB())
	_, err = m.LoadDBDSN()
	require.ErrorIs(t, err, ErrNotStored)
}

func TestLoadBlankDSN(t *testing.T) {
	m := NewManagerWithRing(keyring.NewArrayKeyring(nil))

	require.NoError(t, m.SaveDBDSN("  \n"))
	_, err := m.LoadDBDSN()
	require.ErrorIs(t, err, ErrNotStored)

	require.NoError(t, m.SaveDBDSN(" sqlite://proxy.db\n"))
	got, err := m.LoadDBDSN()
	require.NoError(t, err)
	require.Equal(t, "sqlite://proxy.db", got)
}
