// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"

	// registers the "postgres" driver used by sql.Open below.
	_ "github.com/lib/pq"
)

// Open dials a Postgres database and prepares the retry-state table,
// mirroring dendrite's per-backend storage.NewDatabase constructors.
func Open(dataSourceName string) (*sql.DB, *retryStateStatements, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, nil, err
	}
	table, err := NewPostgresRetryStateTable(db)
	if err != nil {
		return nil, nil, err
	}
	return db, table, nil
}
