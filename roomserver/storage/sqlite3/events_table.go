// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-core/roomengine/internal/sqlutil"
	"github.com/matrix-core/roomengine/roomserver/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	sn INTEGER NOT NULL,
	depth INTEGER NOT NULL,
	is_outlier INTEGER NOT NULL DEFAULT 0,
	soft_failed INTEGER NOT NULL DEFAULT 0,
	is_rejected INTEGER NOT NULL DEFAULT 0,
	is_redacted INTEGER NOT NULL DEFAULT 0,
	rejection_reason TEXT NOT NULL DEFAULT '',
	state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_room_sn ON events(room_nid, sn);
CREATE INDEX IF NOT EXISTS idx_events_room_depth ON events(room_nid, depth);

CREATE TABLE IF NOT EXISTS event_datas (
	event_id TEXT PRIMARY KEY,
	event_json BLOB NOT NULL
);
`

const insertEventSQL = "" +
	"INSERT INTO events (room_nid, event_id, sn, depth, is_outlier, soft_failed, is_rejected, rejection_reason, state_snapshot_nid, worker_id)" +
	" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

const selectEventByIDSQL = "" +
	"SELECT event_nid, room_nid, sn, depth, is_outlier, soft_failed, is_rejected, is_redacted, rejection_reason, state_snapshot_nid, worker_id" +
	" FROM events WHERE event_id = ?"

const selectEventIDByNIDSQL = "SELECT event_id FROM events WHERE event_nid = ?"

const selectEventsBySNRangeSQL = "" +
	"SELECT event_id FROM events WHERE room_nid = ? AND sn > ? AND sn <= ? AND is_rejected = 0 ORDER BY sn ASC LIMIT ?"

const updateSoftFailedSQL = "UPDATE events SET soft_failed = ? WHERE event_id = ?"

const updateRedactedSQL = "UPDATE events SET is_redacted = 1 WHERE event_id = ?"

const selectMaxSNSQL = "SELECT COALESCE(MAX(sn), 0) FROM events"

const insertEventJSONSQL = "INSERT INTO event_datas (event_id, event_json) VALUES (?, ?)"

const selectEventJSONSQL = "SELECT event_json FROM event_datas WHERE event_id = ?"

const updateEventJSONSQL = "UPDATE event_datas SET event_json = ? WHERE event_id = ?"

type eventStatements struct {
	db                        *sql.DB
	insertEventStmt           *sql.Stmt
	selectEventByIDStmt       *sql.Stmt
	selectEventIDByNIDStmt    *sql.Stmt
	selectEventsBySNRangeStmt *sql.Stmt
	updateSoftFailedStmt      *sql.Stmt
	updateRedactedStmt        *sql.Stmt
	selectMaxSNStmt           *sql.Stmt
	insertEventJSONStmt       *sql.Stmt
	selectEventJSONStmt       *sql.Stmt
	updateEventJSONStmt       *sql.Stmt
}

func NewSQLiteEventsTable(db *sql.DB) (s *eventStatements, err error) {
	s = &eventStatements{db: db}
	if _, err = db.Exec(eventsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventByIDStmt, selectEventByIDSQL},
		{&s.selectEventIDByNIDStmt, selectEventIDByNIDSQL},
		{&s.selectEventsBySNRangeStmt, selectEventsBySNRangeSQL},
		{&s.updateSoftFailedStmt, updateSoftFailedSQL},
		{&s.updateRedactedStmt, updateRedactedSQL},
		{&s.selectMaxSNStmt, selectMaxSNSQL},
		{&s.insertEventJSONStmt, insertEventJSONSQL},
		{&s.selectEventJSONStmt, selectEventJSONSQL},
		{&s.updateEventJSONStmt, updateEventJSONSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, roomNID int64, eventID string, sn int64, depth int64,
	isOutlier, softFailed, isRejected bool, rejectionReason string, stateSnapshotNID types.StateSnapshotNID, workerID string,
) (types.EventNID, error) {
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	res, err := stmt.ExecContext(ctx, roomNID, eventID, sn, depth, isOutlier, softFailed, isRejected, rejectionReason, int64(stateSnapshotNID), workerID)
	if err != nil {
		return 0, err
	}
	nid, err := res.LastInsertId()
	return types.EventNID(nid), err
}

func (s *eventStatements) SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (*types.EventMetadata, int64, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventByIDStmt)
	var meta types.EventMetadata
	var nid, roomNID, snapNID int64
	err := stmt.QueryRowContext(ctx, eventID).Scan(
		&nid, &roomNID, &meta.SN, &meta.TopologicalOrdering, &meta.IsOutlier, &meta.SoftFailed,
		&meta.IsRejected, &meta.IsRedacted, &meta.RejectionReason, &snapNID, &meta.WorkerID,
	)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	meta.EventNID = types.EventNID(nid)
	meta.StreamOrdering = meta.SN
	meta.StateSnapshotNID = types.StateSnapshotNID(snapNID)
	return &meta, roomNID, nil
}

func (s *eventStatements) SelectEventIDByNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (string, error) {
	var id string
	err := sqlutil.TxStmt(txn, s.selectEventIDByNIDStmt).QueryRowContext(ctx, int64(nid)).Scan(&id)
	return id, err
}

func (s *eventStatements) SelectEventsBySNRange(ctx context.Context, txn *sql.Tx, roomNID int64, fromSN, toSN int64, limit int) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventsBySNRangeStmt)
	rows, err := stmt.QueryContext(ctx, roomNID, fromSN, toSN, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *eventStatements) UpdateSoftFailed(ctx context.Context, txn *sql.Tx, eventID string, softFailed bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateSoftFailedStmt).ExecContext(ctx, softFailed, eventID)
	return err
}

func (s *eventStatements) UpdateRedacted(ctx context.Context, txn *sql.Tx, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.updateRedactedStmt).ExecContext(ctx, eventID)
	return err
}

func (s *eventStatements) MaxSN(ctx context.Context, txn *sql.Tx) (int64, error) {
	var sn int64
	err := sqlutil.TxStmt(txn, s.selectMaxSNStmt).QueryRowContext(ctx).Scan(&sn)
	return sn, err
}

func (s *eventStatements) InsertEventJSON(ctx context.Context, txn *sql.Tx, eventID string, eventJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventJSONStmt).ExecContext(ctx, eventID, eventJSON)
	return err
}

func (s *eventStatements) SelectEventJSON(ctx context.Context, txn *sql.Tx, eventID string) ([]byte, error) {
	var raw []byte
	err := sqlutil.TxStmt(txn, s.selectEventJSONStmt).QueryRowContext(ctx, eventID).Scan(&raw)
	return raw, err
}

func (s *eventStatements) UpdateEventJSON(ctx context.Context, txn *sql.Tx, eventID string, eventJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventJSONStmt).ExecContext(ctx, eventJSON, eventID)
	return err
}
