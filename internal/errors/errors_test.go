// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("running batch: %w", Newf(BatchHookMismatch, "expected %d result sets", 2))
	require.True(t, IsKind(err, BatchHookMismatch))
	require.False(t, IsKind(err, ParamLimit))
	require.Equal(t, "running batch: batch_hook_mismatch: expected 2 result sets", err.Error())

	cause := fmt.Errorf("boom")
	wrapped := Wrap(NotExecuted, "hook", cause)
	require.ErrorIs(t, wrapped, cause)
	require.False(t, IsKind(cause, NotExecuted))
}
