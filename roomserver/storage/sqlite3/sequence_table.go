// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
)

// SQLite has no native sequence object, so NextSN (C2) is backed by a
// single-row counter table. db.SetMaxOpenConns(1) in storage.go keeps
// the read-increment-write below free of the races a real sequence
// would otherwise need a CAS or busy_timeout to avoid.
const sequenceSchema = `
CREATE TABLE IF NOT EXISTS roomengine_sn_seq (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	sn INTEGER NOT NULL
);
INSERT OR IGNORE INTO roomengine_sn_seq (id, sn) VALUES (1, 0);
`

const incrementSNSQL = "UPDATE roomengine_sn_seq SET sn = sn + 1 WHERE id = 1"
const selectSNSQL = "SELECT sn FROM roomengine_sn_seq WHERE id = 1"

type sequenceStatements struct {
	db *sql.DB
}

func NewSQLiteSequenceTable(db *sql.DB) (*sequenceStatements, error) {
	if _, err := db.Exec(sequenceSchema); err != nil {
		return nil, err
	}
	return &sequenceStatements{db: db}, nil
}

func (s *sequenceStatements) NextSN(ctx context.Context, txn *sql.Tx) (int64, error) {
	exec := func(query string, args ...interface{}) (sql.Result, error) {
		if txn != nil {
			return txn.ExecContext(ctx, query, args...)
		}
		return s.db.ExecContext(ctx, query, args...)
	}
	query := func(query string, args ...interface{}) *sql.Row {
		if txn != nil {
			return txn.QueryRowContext(ctx, query, args...)
		}
		return s.db.QueryRowContext(ctx, query, args...)
	}
	if _, err := exec(incrementSNSQL); err != nil {
		return 0, err
	}
	var sn int64
	err := query(selectSNSQL).Scan(&sn)
	return sn, err
}
