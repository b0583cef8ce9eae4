// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"google.golang.org/grpc/status"
)

// GRPCErrorType represents the category of gRPC error
type GRPCErrorType int

const (
	GRPCErrorUnknown GRPCErrorType = iota
	GRPCErrorNetwork
	GRPCErrorAuth
	GRPCErrorTimeout
	GRPCErrorInternal
	GRPCErrorUnavailable
)

// ParseGRPCError categorizes a gRPC error message
func ParseGRPCError(errMsg string) GRPCErrorType {
	lower := strings.ToLower(errMsg)

	if strings.Contains(lower, "connection refused") {
		return GRPCErrorUnavailable
	}

	// Check for specific error patterns
	if strings.Contains(lower, "rst_stream") || strings.Contains(lower, "connection reset") {
		return GRPCErrorNetwork
	}
	if strings.Contains(lower, "internal_error") {
		return GRPCErrorInternal
	}
	if strings.Contains(lower, "unavailable") || strings.Contains(lower, "service unavailable") {
		return GRPCErrorUnavailable
	}
	if strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout") {
		return GRPCErrorTimeout
	}
	if strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "unauthorized") {
		return GRPCErrorAuth
	}

	return GRPCErrorUnknown
}

// FormatStreamError formats a gRPC stream error in a user-friendly way
func FormatStreamError(errMsg string) string {
	errType := ParseGRPCError(errMsg)

	var builder strings.Builder

	// Title
	builder.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Connection Lost"))
	builder.WriteString("\n\n")

	// User-friendly description
	switch errType {
	case GRPCErrorNetwork:
		builder.WriteString("The stream to the SQL proxy was interrupted unexpectedly.\n")
		builder.WriteString("This usually happens when:\n")
		builder.WriteString("  • The proxy server was restarted\n")
		builder.WriteString("  • A load balancer or firewall closed the connection\n")

	case GRPCErrorInternal:
		builder.WriteString("The SQL proxy reported an internal error.\n")
		builder.WriteString("Check the proxy server logs for the failing request.\n")

	case GRPCErrorUnavailable:
		builder.WriteString("The SQL proxy is not reachable.\n")
		builder.WriteString("Make sure 'sqlproxy serve' is running and the URL is correct.\n")

	case GRPCErrorTimeout:
		builder.WriteString("The SQL proxy did not answer in time.\n")
		builder.WriteString("The statement may still be running on the database.\n")

	case GRPCErrorAuth:
		builder.WriteString("The SQL proxy rejected the connection credentials.\n")

	default:
		builder.WriteString("The proxy session ended unexpectedly.\n")
	}

	builder.WriteString("\n")

	// Action to take
	if errType == GRPCErrorUnavailable || errType == GRPCErrorNetwork {
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Verify the proxy URL with 'sqlproxy dbinfo' and try again"))
	} else {
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Please try again"))
	}

	builder.WriteString("\n")

	// Technical details (optional, for debugging)
	if strings.TrimSpace(errMsg) != "" {
		builder.WriteString("\n")
		builder.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("Technical details: " + errMsg))
	}

	return builder.String()
}

// PresentStreamError displays a formatted stream error. Credentials in the
// message are masked.
func PresentStreamError(err error) {
	if err == nil {
		return
	}
	if s, ok := status.FromError(err); ok {
		err = errors.Newf("%s: %s", s.Code(), s.Message())
	}
	fmt.Println()
	fmt.Println(FormatStreamError(Mask(err.Error())))
	fmt.Println()
}
