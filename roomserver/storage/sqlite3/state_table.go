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

const stateSchema = `
CREATE TABLE IF NOT EXISTS room_state_fields (
	state_key_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	UNIQUE (event_type, state_key)
);

CREATE TABLE IF NOT EXISTS room_state_deltas (
	state_block_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_block_nid INTEGER NOT NULL DEFAULT 0,
	appended_state_key_nids TEXT NOT NULL DEFAULT '',
	appended_event_nids TEXT NOT NULL DEFAULT '',
	disposed_state_key_nids TEXT NOT NULL DEFAULT '',
	disposed_event_nids TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS room_state_frames (
	state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	content_hash BLOB NOT NULL,
	base_block_nid INTEGER NOT NULL DEFAULT 0,
	delta_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (room_nid, content_hash)
);
`

const insertStateFieldSQL = "INSERT OR IGNORE INTO room_state_fields (event_type, state_key) VALUES (?, ?)"
const selectStateFieldNIDSQL = "SELECT state_key_nid FROM room_state_fields WHERE event_type = ? AND state_key = ?"
const selectStateFieldTupleSQL = "SELECT event_type, state_key FROM room_state_fields WHERE state_key_nid = ?"

const insertStateBlockSQL = "" +
	"INSERT INTO room_state_deltas (parent_block_nid, appended_state_key_nids, appended_event_nids, disposed_state_key_nids, disposed_event_nids)" +
	" VALUES (?, ?, ?, ?, ?)"

const selectStateBlockSQL = "" +
	"SELECT parent_block_nid, appended_state_key_nids, appended_event_nids, disposed_state_key_nids, disposed_event_nids FROM room_state_deltas WHERE state_block_nid = ?"

const selectSnapshotByHashSQL = "SELECT state_snapshot_nid FROM room_state_frames WHERE room_nid = ? AND content_hash = ?"

const insertSnapshotSQL = "INSERT OR IGNORE INTO room_state_frames (room_nid, content_hash, base_block_nid, delta_count) VALUES (?, ?, ?, ?)"

const selectSnapshotChainSQL = "SELECT base_block_nid, delta_count, room_nid FROM room_state_frames WHERE state_snapshot_nid = ?"

type stateFieldStatements struct {
	db                        *sql.DB
	insertStateFieldStmt      *sql.Stmt
	selectStateFieldNIDStmt   *sql.Stmt
	selectStateFieldTupleStmt *sql.Stmt
}

func NewSQLiteStateFieldsTable(db *sql.DB) (s *stateFieldStatements, err error) {
	s = &stateFieldStatements{db: db}
	if _, err = db.Exec(stateSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertStateFieldStmt, insertStateFieldSQL},
		{&s.selectStateFieldNIDStmt, selectStateFieldNIDSQL},
		{&s.selectStateFieldTupleStmt, selectStateFieldTupleSQL},
	}.Prepare(db)
}

func (s *stateFieldStatements) UpsertStateFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyNID, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertStateFieldStmt).ExecContext(ctx, eventType, stateKey); err != nil {
		return 0, err
	}
	var nid int64
	err := sqlutil.TxStmt(txn, s.selectStateFieldNIDStmt).QueryRowContext(ctx, eventType, stateKey).Scan(&nid)
	return types.StateKeyNID(nid), err
}

func (s *stateFieldStatements) SelectStateFieldTuple(ctx context.Context, txn *sql.Tx, nid types.StateKeyNID) (types.StateKeyTuple, error) {
	var t types.StateKeyTuple
	err := sqlutil.TxStmt(txn, s.selectStateFieldTupleStmt).QueryRowContext(ctx, int64(nid)).Scan(&t.EventType, &t.StateKey)
	return t, err
}

type stateBlockStatements struct {
	db                   *sql.DB
	insertStateBlockStmt *sql.Stmt
	selectStateBlockStmt *sql.Stmt
}

func NewSQLiteStateBlocksTable(db *sql.DB) (s *stateBlockStatements, err error) {
	s = &stateBlockStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStateBlockStmt, insertStateBlockSQL},
		{&s.selectStateBlockStmt, selectStateBlockSQL},
	}.Prepare(db)
}

func (s *stateBlockStatements) InsertBlock(ctx context.Context, txn *sql.Tx, parentBlockNID types.StateBlockNID, appended, disposed []types.StateEntry) (types.StateBlockNID, error) {
	ask, aen := splitEntries(appended)
	dsk, den := splitEntries(disposed)
	res, err := sqlutil.TxStmt(txn, s.insertStateBlockStmt).ExecContext(ctx,
		int64(parentBlockNID), encodeInt64CSV(ask), encodeInt64CSV(aen), encodeInt64CSV(dsk), encodeInt64CSV(den),
	)
	if err != nil {
		return 0, err
	}
	nid, err := res.LastInsertId()
	return types.StateBlockNID(nid), err
}

func (s *stateBlockStatements) SelectBlock(ctx context.Context, txn *sql.Tx, nid types.StateBlockNID) (types.StateBlockNID, []types.StateEntry, []types.StateEntry, error) {
	var parent int64
	var ask, aen, dsk, den string
	err := sqlutil.TxStmt(txn, s.selectStateBlockStmt).QueryRowContext(ctx, int64(nid)).Scan(&parent, &ask, &aen, &dsk, &den)
	if err != nil {
		return 0, nil, nil, err
	}
	return types.StateBlockNID(parent), joinEntries(decodeInt64CSV(ask), decodeInt64CSV(aen)), joinEntries(decodeInt64CSV(dsk), decodeInt64CSV(den)), nil
}

type stateSnapshotStatements struct {
	db                       *sql.DB
	selectSnapshotByHashStmt *sql.Stmt
	insertSnapshotStmt       *sql.Stmt
	selectSnapshotChainStmt  *sql.Stmt
}

func NewSQLiteStateSnapshotsTable(db *sql.DB) (s *stateSnapshotStatements, err error) {
	s = &stateSnapshotStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.selectSnapshotByHashStmt, selectSnapshotByHashSQL},
		{&s.insertSnapshotStmt, insertSnapshotSQL},
		{&s.selectSnapshotChainStmt, selectSnapshotChainSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) SelectByContentHash(ctx context.Context, txn *sql.Tx, roomNID int64, contentHash []byte) (types.StateSnapshotNID, bool, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.selectSnapshotByHashStmt).QueryRowContext(ctx, roomNID, contentHash).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.StateSnapshotNID(nid), true, nil
}

func (s *stateSnapshotStatements) InsertSnapshot(ctx context.Context, txn *sql.Tx, roomNID int64, contentHash []byte, baseBlockNID types.StateBlockNID, deltaCount int) (types.StateSnapshotNID, error) {
	res, err := sqlutil.TxStmt(txn, s.insertSnapshotStmt).ExecContext(ctx, roomNID, contentHash, int64(baseBlockNID), deltaCount)
	if err != nil {
		return 0, err
	}
	last, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if last != 0 {
		return types.StateSnapshotNID(last), nil
	}
	nid, _, err := s.SelectByContentHash(ctx, txn, roomNID, contentHash)
	return nid, err
}

func (s *stateSnapshotStatements) SelectSnapshotChain(ctx context.Context, txn *sql.Tx, nid types.StateSnapshotNID) (types.StateBlockNID, int, int64, error) {
	var base int64
	var count int
	var roomNID int64
	err := sqlutil.TxStmt(txn, s.selectSnapshotChainStmt).QueryRowContext(ctx, int64(nid)).Scan(&base, &count, &roomNID)
	return types.StateBlockNID(base), count, roomNID, err
}

func splitEntries(entries []types.StateEntry) (keyNIDs, eventNIDs []int64) {
	keyNIDs = make([]int64, len(entries))
	eventNIDs = make([]int64, len(entries))
	for i, e := range entries {
		keyNIDs[i] = int64(e.StateKeyNID)
		eventNIDs[i] = int64(e.EventNID)
	}
	return
}

func joinEntries(keyNIDs, eventNIDs []int64) []types.StateEntry {
	if len(keyNIDs) == 0 {
		return nil
	}
	entries := make([]types.StateEntry, len(keyNIDs))
	for i := range keyNIDs {
		entries[i] = types.StateEntry{StateKeyNID: types.StateKeyNID(keyNIDs[i]), EventNID: types.EventNID(eventNIDs[i])}
	}
	return entries
}
