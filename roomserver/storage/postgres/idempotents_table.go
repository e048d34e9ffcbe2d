// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/internal/sqlutil"
)

const idempotentsSchema = `
CREATE TABLE IF NOT EXISTS event_idempotents (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	txn_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	inserted_at BIGINT NOT NULL,
	PRIMARY KEY (user_id, device_id, room_id, txn_id)
);
`

const selectIdempotentEventIDSQL = "" +
	"SELECT event_id FROM event_idempotents WHERE user_id = $1 AND device_id = $2 AND room_id = $3 AND txn_id = $4"

const insertIdempotentTxnSQL = "" +
	"INSERT INTO event_idempotents (user_id, device_id, room_id, txn_id, event_id, inserted_at) VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (user_id, device_id, room_id, txn_id) DO NOTHING"

const purgeIdempotentsOlderThanSQL = "DELETE FROM event_idempotents WHERE inserted_at < $1"

type idempotentStatements struct {
	db                          *sql.DB
	selectIdempotentEventIDStmt *sql.Stmt
	insertIdempotentTxnStmt     *sql.Stmt
	purgeOlderThanStmt          *sql.Stmt
}

func NewPostgresIdempotentsTable(db *sql.DB) (s *idempotentStatements, err error) {
	s = &idempotentStatements{db: db}
	if _, err = db.Exec(idempotentsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectIdempotentEventIDStmt, selectIdempotentEventIDSQL},
		{&s.insertIdempotentTxnStmt, insertIdempotentTxnSQL},
		{&s.purgeOlderThanStmt, purgeIdempotentsOlderThanSQL},
	}.Prepare(db)
}

func (s *idempotentStatements) SelectEventID(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, txnID string) (string, bool, error) {
	var eventID string
	err := sqlutil.TxStmt(txn, s.selectIdempotentEventIDStmt).QueryRowContext(ctx, userID, deviceID, roomID, txnID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return eventID, err == nil, err
}

func (s *idempotentStatements) InsertTxn(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, txnID, eventID string, insertedAt spec.Timestamp) error {
	_, err := sqlutil.TxStmt(txn, s.insertIdempotentTxnStmt).ExecContext(ctx, userID, deviceID, roomID, txnID, eventID, int64(insertedAt))
	return err
}

func (s *idempotentStatements) PurgeOlderThan(ctx context.Context, txn *sql.Tx, cutoff spec.Timestamp) error {
	_, err := sqlutil.TxStmt(txn, s.purgeOlderThanStmt).ExecContext(ctx, int64(cutoff))
	return err
}
