// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SQLPROXY_URL", "proxy:4000")
	t.Setenv("SQLPROXY_COMPRESS", "true")
	t.Setenv("SQLPROXY_PACKET_SIZE", "50")
	t.Setenv("SQLPROXY_LOG_LEVEL", "DEBUG")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "proxy:4000", c.Client.URL)
	require.True(t, c.Client.Compress)
	require.Equal(t, 50, c.Client.PacketSize)
	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, DefaultListen, c.Server.Listen)
	require.False(t, c.DB.Provided)
}

func TestSaveRoundTripWithoutDSN(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	c := Defaults()
	c.Client.URL = "remote:3000"
	c.DB.DSN = "postgres://u:p@h/db"
	require.NoError(t, Save(c))

	got, err := Load()
	require.NoError(t, err)
	require.Equal(t, "remote:3000", got.Client.URL)
	require.Empty(t, got.DB.DSN)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	c := Defaults()
	err := applyEnv(&c, func(k string) (string, bool) {
		if k == "SQLPROXY_PACKET_SIZE" {
			return "many", true
		}
		return "", false
	})
	require.Error(t, err)
}
