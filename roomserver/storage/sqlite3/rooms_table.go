// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrix-core/roomengine/internal/sqlutil"
	"github.com/matrix-core/roomengine/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
	min_depth INTEGER NOT NULL DEFAULT 0,
	is_public INTEGER NOT NULL DEFAULT 0,
	disabled INTEGER NOT NULL DEFAULT 0,
	has_auth_chain_index INTEGER NOT NULL DEFAULT 0
);
`

const insertRoomSQL = "INSERT OR IGNORE INTO rooms (room_id, room_version) VALUES (?, ?)"
const selectRoomNIDSQL = "SELECT room_nid FROM rooms WHERE room_id = ?"
const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_version, state_snapshot_nid, min_depth, is_public, disabled, has_auth_chain_index FROM rooms WHERE room_id = ?"
const selectRoomVersionSQL = "SELECT room_version FROM rooms WHERE room_nid = ?"
const updateRoomStateSnapshotSQL = "UPDATE rooms SET state_snapshot_nid = ? WHERE room_nid = ?"
const updateRoomMinDepthSQL = "UPDATE rooms SET min_depth = ? WHERE room_nid = ? AND min_depth < ?"
const setRoomDisabledSQL = "UPDATE rooms SET disabled = ? WHERE room_nid = ?"

type roomStatements struct {
	db                          *sql.DB
	insertRoomStmt              *sql.Stmt
	selectRoomNIDStmt           *sql.Stmt
	selectRoomInfoStmt          *sql.Stmt
	selectRoomVersionStmt       *sql.Stmt
	updateRoomStateSnapshotStmt *sql.Stmt
	updateRoomMinDepthStmt      *sql.Stmt
	setRoomDisabledStmt         *sql.Stmt
}

func NewSQLiteRoomsTable(db *sql.DB) (s *roomStatements, err error) {
	s = &roomStatements{db: db}
	if _, err = db.Exec(roomsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.selectRoomVersionStmt, selectRoomVersionSQL},
		{&s.updateRoomStateSnapshotStmt, updateRoomStateSnapshotSQL},
		{&s.updateRoomMinDepthStmt, updateRoomMinDepthSQL},
		{&s.setRoomDisabledStmt, setRoomDisabledSQL},
	}.Prepare(db)
}

func (s *roomStatements) UpsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (int64, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx, roomID, roomVersion); err != nil {
		return 0, err
	}
	var nid int64
	err := sqlutil.TxStmt(txn, s.selectRoomNIDStmt).QueryRowContext(ctx, roomID).Scan(&nid)
	return nid, err
}

func (s *roomStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	var info types.RoomInfo
	var version string
	info.RoomID = roomID
	err := sqlutil.TxStmt(txn, s.selectRoomInfoStmt).QueryRowContext(ctx, roomID).Scan(
		&info.RoomNID, &version, &info.StateSnapshotNID, &info.MinDepth, &info.IsPublic, &info.Disabled, &info.HasAuthChainIndex,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.RoomVersion = gomatrixserverlib.RoomVersion(version)
	return &info, nil
}

func (s *roomStatements) SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomNID int64) (string, error) {
	var version string
	err := sqlutil.TxStmt(txn, s.selectRoomVersionStmt).QueryRowContext(ctx, roomNID).Scan(&version)
	return version, err
}

func (s *roomStatements) UpdateStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID int64, snapshotNID types.StateSnapshotNID) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomStateSnapshotStmt).ExecContext(ctx, int64(snapshotNID), roomNID)
	return err
}

func (s *roomStatements) UpdateMinDepth(ctx context.Context, txn *sql.Tx, roomNID int64, depth int64) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomMinDepthStmt).ExecContext(ctx, depth, roomNID, depth)
	return err
}

func (s *roomStatements) SetDisabled(ctx context.Context, txn *sql.Tx, roomNID int64, disabled bool) error {
	_, err := sqlutil.TxStmt(txn, s.setRoomDisabledStmt).ExecContext(ctx, disabled, roomNID)
	return err
}
