// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	// registers the "sqlite3" driver used by sql.Open below.
	_ "github.com/mattn/go-sqlite3"
)

// Open dials a SQLite database and prepares the retry-state table.
func Open(dataSourceName string) (*sql.DB, *retryStateStatements, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid "database is locked"
	table, err := NewSQLiteRetryStateTable(db)
	if err != nil {
		return nil, nil, err
	}
	return db, table, nil
}
