// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main is the entry point of the sqlproxy command.
package main

import (
	"grpcsqlproxy/cmd"
)

func main() {
	cmd.Execute()
}
