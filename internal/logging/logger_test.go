// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", " error "} {
		logger, err := New(level)
		require.NoError(t, err, level)
		require.NotNil(t, logger)
	}

	logger, err := New("info")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud")
	require.Error(t, err)
}

func TestConnStringFieldIsMasked(t *testing.T) {
	f := ConnString("postgres://admin:secret@db/app")
	require.Equal(t, "conn_string", f.Key)
	require.Equal(t, "postgres://*:*@db/app", f.String)
}
