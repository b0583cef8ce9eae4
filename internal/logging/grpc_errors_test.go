// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"strings"
	"testing"
)

func TestParseGRPCError(t *testing.T) {
	tests := []struct {
		msg  string
		want GRPCErrorType
	}{
		{"rpc error: code = Unavailable desc = connection error", GRPCErrorUnavailable},
		{"dial tcp 127.0.0.1:3000: connect: connection refused", GRPCErrorUnavailable},
		{"stream error: stream ID 3; INTERNAL_ERROR", GRPCErrorInternal},
		{"read: connection reset by peer", GRPCErrorNetwork},
		{"context deadline exceeded", GRPCErrorTimeout},
		{"Unauthenticated", GRPCErrorAuth},
		{"something else", GRPCErrorUnknown},
	}
	for _, tt := range tests {
		if got := ParseGRPCError(tt.msg); got != tt.want {
			t.Errorf("ParseGRPCError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestFormatStreamErrorKeepsDetails(t *testing.T) {
	out := FormatStreamError("Unavailable: no route")
	if !strings.Contains(out, "no route") {
		t.Errorf("technical details missing from %q", out)
	}
	if !strings.Contains(out, "sqlproxy serve") {
		t.Errorf("hint missing from %q", out)
	}
}
