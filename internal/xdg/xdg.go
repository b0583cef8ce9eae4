// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package xdg resolves the XDG config directory of sqlproxy.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "grpcsqlproxy"

// ConfigDir returns $XDG_CONFIG_HOME/grpcsqlproxy, or ~/.config/grpcsqlproxy
// when the variable is unset. The directory is created with 0700 permissions
// if missing.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
