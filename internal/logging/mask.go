// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logging builds the proxy's zap loggers and keeps credentials out of
// what they write. Connection strings arrive from clients verbatim, so every
// log field or user facing message that may carry one goes through Mask.
package logging

import (
	"regexp"

	"grpcsqlproxy/internal/dsn"
)

var (
	// scheme://rest, up to the next whitespace.
	reURL = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)(\S+)`)
	// libpq keyword form, go-sqlite3 auth parameters and PGPASSWORD.
	reSecretParam = regexp.MustCompile(`(?i)\b(password|pgpassword|sslpassword|_auth_pass)=('[^']*'|[^\s&;]+)`)
)

// Mask hides credentials in s. URL userinfo becomes "*:*" whether or not it
// carries a password, and secret key=value parameters become key=***.
func Mask(s string) string {
	out := reURL.ReplaceAllStringFunc(s, func(m string) string {
		sub := reURL.FindStringSubmatch(m)
		scheme, rest := sub[1], sub[2]
		at := dsn.UserinfoEnd(rest)
		if at < 0 {
			return m
		}
		return scheme + "*:*" + rest[at:]
	})
	return reSecretParam.ReplaceAllString(out, "$1=***")
}
