// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify assigns a data sensitivity tier to regulated workflow
// commands and their content. Tiers drive provider selection and channel
// gating; misclassifying down is the failure mode that matters, so every
// default in this package fails toward the stricter tier.
package classify

import (
	"fmt"
	"strings"
)

// Level represents a data sensitivity tier. Levels form a total order:
// Public < Restricted < Confidential.
type Level int

const (
	// Public covers help text, glossary lookups, and published data.
	Public Level = iota
	// Restricted covers analysis and report-style working material.
	Restricted
	// Confidential covers draft submissions and device-identifying content.
	Confidential
)

// String returns the canonical marking for the level.
func (l Level) String() string {
	switch l {
	case Public:
		return "PUBLIC"
	case Restricted:
		return "RESTRICTED"
	case Confidential:
		return "CONFIDENTIAL"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a marking string into a Level. Unknown markings parse
// to Restricted: an unrecognized tier must not silently become Public.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PUBLIC":
		return Public
	case "RESTRICTED":
		return Restricted
	case "CONFIDENTIAL":
		return Confidential
	default:
		return Restricted
	}
}

// Compare returns -1, 0, or 1 as a is less, equally, or more sensitive
// than b.
func Compare(a, b Level) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MoreSensitive returns the stricter of two tiers.
func MoreSensitive(a, b Level) Level {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
