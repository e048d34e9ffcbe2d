// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"strconv"
	"strings"
)

// encodeInt64CSV/decodeInt64CSV stand in for Postgres's native BIGINT[]
// columns: SQLite has no array type, so state-entry and auth-chain NID
// lists are stored as a comma-joined string, same idiom dendrite's
// sqlite3 backend uses for its own array-shaped columns.
func encodeInt64CSV(nids []int64) string {
	if len(nids) == 0 {
		return ""
	}
	parts := make([]string, len(nids))
	for i, n := range nids {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return strings.Join(parts, ",")
}

func decodeInt64CSV(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
