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

const edgesSchema = `
CREATE TABLE IF NOT EXISTS event_edges (
	event_id TEXT NOT NULL,
	prev_event_id TEXT NOT NULL,
	UNIQUE (event_id, prev_event_id)
);
CREATE INDEX IF NOT EXISTS idx_event_edges_prev ON event_edges(prev_event_id);

CREATE TABLE IF NOT EXISTS event_forward_extremities (
	room_nid INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	UNIQUE (room_nid, event_id)
);

CREATE TABLE IF NOT EXISTS event_backward_extremities (
	room_nid INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	UNIQUE (room_nid, event_id)
);
`

const insertEdgeSQL = "INSERT OR IGNORE INTO event_edges (event_id, prev_event_id) VALUES (?, ?)"
const selectEdgesOutSQL = "SELECT prev_event_id FROM event_edges WHERE event_id = ?"
const selectEdgesInSQL = "SELECT event_id FROM event_edges WHERE prev_event_id = ?"

const addForwardSQL = "INSERT OR IGNORE INTO event_forward_extremities (room_nid, event_id) VALUES (?, ?)"
const removeForwardSQL = "DELETE FROM event_forward_extremities WHERE room_nid = ? AND event_id = ?"
const addBackwardSQL = "INSERT OR IGNORE INTO event_backward_extremities (room_nid, event_id) VALUES (?, ?)"
const removeBackwardSQL = "DELETE FROM event_backward_extremities WHERE room_nid = ? AND event_id = ?"
const selectForwardSQL = "SELECT event_id FROM event_forward_extremities WHERE room_nid = ?"
const selectBackwardSQL = "SELECT event_id FROM event_backward_extremities WHERE room_nid = ?"

type edgeStatements struct {
	db                 *sql.DB
	insertEdgeStmt     *sql.Stmt
	selectEdgesOutStmt *sql.Stmt
	selectEdgesInStmt  *sql.Stmt
}

func NewSQLiteEdgesTable(db *sql.DB) (s *edgeStatements, err error) {
	s = &edgeStatements{db: db}
	if _, err = db.Exec(edgesSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEdgeStmt, insertEdgeSQL},
		{&s.selectEdgesOutStmt, selectEdgesOutSQL},
		{&s.selectEdgesInStmt, selectEdgesInSQL},
	}.Prepare(db)
}

func (s *edgeStatements) InsertEdge(ctx context.Context, txn *sql.Tx, eventID, prevEventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertEdgeStmt).ExecContext(ctx, eventID, prevEventID)
	return err
}

func (s *edgeStatements) SelectEdgesOut(ctx context.Context, txn *sql.Tx, eventID string) ([]string, error) {
	return queryStrings(ctx, sqlutil.TxStmt(txn, s.selectEdgesOutStmt), eventID)
}

func (s *edgeStatements) SelectEdgesIn(ctx context.Context, txn *sql.Tx, eventID string) ([]string, error) {
	return queryStrings(ctx, sqlutil.TxStmt(txn, s.selectEdgesInStmt), eventID)
}

type extremityStatements struct {
	db                 *sql.DB
	addForwardStmt     *sql.Stmt
	removeForwardStmt  *sql.Stmt
	addBackwardStmt    *sql.Stmt
	removeBackwardStmt *sql.Stmt
	selectForwardStmt  *sql.Stmt
	selectBackwardStmt *sql.Stmt
}

func NewSQLiteExtremitiesTable(db *sql.DB) (s *extremityStatements, err error) {
	s = &extremityStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.addForwardStmt, addForwardSQL},
		{&s.removeForwardStmt, removeForwardSQL},
		{&s.addBackwardStmt, addBackwardSQL},
		{&s.removeBackwardStmt, removeBackwardSQL},
		{&s.selectForwardStmt, selectForwardSQL},
		{&s.selectBackwardStmt, selectBackwardSQL},
	}.Prepare(db)
}

func (s *extremityStatements) AddForward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.addForwardStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *extremityStatements) RemoveForward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.removeForwardStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *extremityStatements) AddBackward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.addBackwardStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *extremityStatements) RemoveBackward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.removeBackwardStmt).ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *extremityStatements) SelectForward(ctx context.Context, txn *sql.Tx, roomNID int64) ([]string, error) {
	return queryStrings(ctx, sqlutil.TxStmt(txn, s.selectForwardStmt), roomNID)
}

func (s *extremityStatements) SelectBackward(ctx context.Context, txn *sql.Tx, roomNID int64) ([]string, error) {
	return queryStrings(ctx, sqlutil.TxStmt(txn, s.selectBackwardStmt), roomNID)
}

func queryStrings(ctx context.Context, stmt *sql.Stmt, arg interface{}) ([]string, error) {
	rows, err := stmt.QueryContext(ctx, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
