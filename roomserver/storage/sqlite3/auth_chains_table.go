// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-core/roomengine/internal/sqlutil"
)

const authChainsSchema = `
CREATE TABLE IF NOT EXISTS event_auth_chains (
	cache_key TEXT PRIMARY KEY,
	sorted_nids TEXT NOT NULL
);
`

const selectAuthChainSQL = "SELECT sorted_nids FROM event_auth_chains WHERE cache_key = ?"
const insertAuthChainSQL = "INSERT INTO event_auth_chains (cache_key, sorted_nids) VALUES (?, ?)" +
	" ON CONFLICT (cache_key) DO UPDATE SET sorted_nids = excluded.sorted_nids"

type authChainStatements struct {
	db                  *sql.DB
	selectAuthChainStmt *sql.Stmt
	insertAuthChainStmt *sql.Stmt
}

func NewSQLiteAuthChainsTable(db *sql.DB) (s *authChainStatements, err error) {
	s = &authChainStatements{db: db}
	if _, err = db.Exec(authChainsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectAuthChainStmt, selectAuthChainSQL},
		{&s.insertAuthChainStmt, insertAuthChainSQL},
	}.Prepare(db)
}

func (s *authChainStatements) SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]int64, bool, error) {
	var encoded string
	err := sqlutil.TxStmt(txn, s.selectAuthChainStmt).QueryRowContext(ctx, cacheKey).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeInt64CSV(encoded), true, nil
}

func (s *authChainStatements) InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, sortedNIDs []int64) error {
	_, err := sqlutil.TxStmt(txn, s.insertAuthChainStmt).ExecContext(ctx, cacheKey, encodeInt64CSV(sortedNIDs))
	return err
}
