// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"grpcsqlproxy/internal/dsn"
)

// PresentError formats err for the terminal as "context: message" with
// credentials masked. A DSN parse failure anywhere in the chain adds its hint
// on a second line.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	var perr *dsn.ParseError
	if errors.As(err, &perr) {
		msg := fmt.Sprintf("%s: invalid connection string: %s", context, perr.Reason)
		if perr.Hint != "" {
			msg += "\n  hint: " + perr.Hint
		}
		return msg
	}
	return fmt.Sprintf("%s: %s", context, Mask(err.Error()))
}
