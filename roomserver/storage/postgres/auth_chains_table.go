// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/matrix-core/roomengine/internal/sqlutil"
)

const authChainsSchema = `
CREATE TABLE IF NOT EXISTS event_auth_chains (
	cache_key TEXT PRIMARY KEY,
	sorted_nids BIGINT[] NOT NULL
);
`

const selectAuthChainSQL = "SELECT sorted_nids FROM event_auth_chains WHERE cache_key = $1"
const insertAuthChainSQL = "INSERT INTO event_auth_chains (cache_key, sorted_nids) VALUES ($1, $2) ON CONFLICT (cache_key) DO UPDATE SET sorted_nids = $2"

type authChainStatements struct {
	db                   *sql.DB
	selectAuthChainStmt  *sql.Stmt
	insertAuthChainStmt  *sql.Stmt
}

func NewPostgresAuthChainsTable(db *sql.DB) (s *authChainStatements, err error) {
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
	stmt := sqlutil.TxStmt(txn, s.selectAuthChainStmt)
	var nids pq.Int64Array
	err := stmt.QueryRowContext(ctx, cacheKey).Scan(&nids)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []int64(nids), true, nil
}

func (s *authChainStatements) InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, sortedNIDs []int64) error {
	stmt := sqlutil.TxStmt(txn, s.insertAuthChainStmt)
	_, err := stmt.ExecContext(ctx, cacheKey, pq.Int64Array(sortedNIDs))
	return err
}
