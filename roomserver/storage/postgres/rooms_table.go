// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrix-core/roomengine/internal/sqlutil"
	"github.com/matrix-core/roomengine/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_nid BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	state_snapshot_nid BIGINT NOT NULL DEFAULT 0,
	min_depth BIGINT NOT NULL DEFAULT 0,
	is_public BOOLEAN NOT NULL DEFAULT FALSE,
	disabled BOOLEAN NOT NULL DEFAULT FALSE,
	has_auth_chain_index BOOLEAN NOT NULL DEFAULT FALSE
);
`

const upsertRoomNIDSQL = "" +
	"INSERT INTO rooms (room_id, room_version) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO UPDATE SET room_id = EXCLUDED.room_id RETURNING room_nid"

const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_version, state_snapshot_nid, min_depth, is_public, disabled, has_auth_chain_index FROM rooms WHERE room_id = $1"

const selectRoomVersionSQL = "SELECT room_version FROM rooms WHERE room_nid = $1"

const updateRoomStateSnapshotSQL = "UPDATE rooms SET state_snapshot_nid = $2 WHERE room_nid = $1"
const updateRoomMinDepthSQL = "UPDATE rooms SET min_depth = $2 WHERE room_nid = $1 AND min_depth < $2"
const setRoomDisabledSQL = "UPDATE rooms SET disabled = $2 WHERE room_nid = $1"

type roomStatements struct {
	db                         *sql.DB
	upsertRoomNIDStmt          *sql.Stmt
	selectRoomInfoStmt         *sql.Stmt
	selectRoomVersionStmt      *sql.Stmt
	updateRoomStateSnapshotStmt *sql.Stmt
	updateRoomMinDepthStmt     *sql.Stmt
	setRoomDisabledStmt        *sql.Stmt
}

func NewPostgresRoomsTable(db *sql.DB) (s *roomStatements, err error) {
	s = &roomStatements{db: db}
	if _, err = db.Exec(roomsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertRoomNIDStmt, upsertRoomNIDSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.selectRoomVersionStmt, selectRoomVersionSQL},
		{&s.updateRoomStateSnapshotStmt, updateRoomStateSnapshotSQL},
		{&s.updateRoomMinDepthStmt, updateRoomMinDepthSQL},
		{&s.setRoomDisabledStmt, setRoomDisabledSQL},
	}.Prepare(db)
}

func (s *roomStatements) UpsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (int64, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.upsertRoomNIDStmt).QueryRowContext(ctx, roomID, roomVersion).Scan(&nid)
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
	_, err := sqlutil.TxStmt(txn, s.updateRoomStateSnapshotStmt).ExecContext(ctx, roomNID, int64(snapshotNID))
	return err
}

func (s *roomStatements) UpdateMinDepth(ctx context.Context, txn *sql.Tx, roomNID int64, depth int64) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomMinDepthStmt).ExecContext(ctx, roomNID, depth)
	return err
}

func (s *roomStatements) SetDisabled(ctx context.Context, txn *sql.Tx, roomNID int64, disabled bool) error {
	_, err := sqlutil.TxStmt(txn, s.setRoomDisabledStmt).ExecContext(ctx, roomNID, disabled)
	return err
}
