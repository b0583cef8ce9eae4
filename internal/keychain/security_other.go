// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !darwin

package keychain

// platformBackend reports whether a command line credential store is
// available. Outside macOS only the keyring backends are used.
func platformBackend() (keychainBackend, bool) {
	return nil, false
}
