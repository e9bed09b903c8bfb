// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for
// freezing and helpers to parse flags.
package commandline

import (
	"strings"
)

// ParseNameList parses a comma-separated list of names, typically the contents of a flag set by
// the user. Spaces around the names are trimmed, and empty entries are dropped, so "" returns an
// empty list.
//
// Example:
//
//	keep := commandline.ParseNameList(*flagKeepVars)  // "a, b,c" -> ["a", "b", "c"]
func ParseNameList(list string) []string {
	parts := strings.Split(list, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		names = append(names, part)
	}
	return names
}
