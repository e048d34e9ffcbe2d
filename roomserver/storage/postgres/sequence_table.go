// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
)

// NextSN (C2) backs the server-wide sn by a real Postgres sequence:
// nextval is itself atomic, and the implicit per-transaction lock
// Postgres takes is exactly spec §4.2's "reservation is transactional
// with C1 puts; a reserved sn that fails to commit is discarded".
const sequenceSchema = `CREATE SEQUENCE IF NOT EXISTS roomengine_sn_seq;`

type sequenceStatements struct {
	db *sql.DB
}

func NewPostgresSequenceTable(db *sql.DB) (*sequenceStatements, error) {
	if _, err := db.Exec(sequenceSchema); err != nil {
		return nil, err
	}
	return &sequenceStatements{db: db}, nil
}

func (s *sequenceStatements) NextSN(ctx context.Context, txn *sql.Tx) (int64, error) {
	var sn int64
	var err error
	if txn != nil {
		err = txn.QueryRowContext(ctx, "SELECT nextval('roomengine_sn_seq')").Scan(&sn)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT nextval('roomengine_sn_seq')").Scan(&sn)
	}
	return sn, err
}
