// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-core/roomengine/internal/sqlutil"
	"github.com/matrix-core/roomengine/roomserver/types"
)

const timelineGapsSchema = `
CREATE TABLE IF NOT EXISTS timeline_gaps (
	room_id TEXT NOT NULL,
	sn BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	UNIQUE (room_id, sn, event_id)
);
`

const insertGapSQL = "INSERT INTO timeline_gaps (room_id, sn, event_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING"
const selectGapsSQL = "SELECT sn, event_id FROM timeline_gaps WHERE room_id = $1 ORDER BY sn ASC"

type timelineGapStatements struct {
	db             *sql.DB
	insertGapStmt  *sql.Stmt
	selectGapsStmt *sql.Stmt
}

func NewPostgresTimelineGapsTable(db *sql.DB) (s *timelineGapStatements, err error) {
	s = &timelineGapStatements{db: db}
	if _, err = db.Exec(timelineGapsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertGapStmt, insertGapSQL},
		{&s.selectGapsStmt, selectGapsSQL},
	}.Prepare(db)
}

func (s *timelineGapStatements) InsertGap(ctx context.Context, txn *sql.Tx, roomID string, sn int64, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertGapStmt).ExecContext(ctx, roomID, sn, eventID)
	return err
}

func (s *timelineGapStatements) SelectGaps(ctx context.Context, txn *sql.Tx, roomID string) ([]types.TimelineGap, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectGapsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck
	var gaps []types.TimelineGap
	for rows.Next() {
		g := types.TimelineGap{RoomID: roomID}
		if err := rows.Scan(&g.SN, &g.EventID); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}
