// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlite3 implements roomserver/storage.Database against a
// SQLite backend, mirroring the postgres package table-for-table the
// way dendrite keeps both backends behind the same shared.Database.
package sqlite3

import (
	"database/sql"

	// registers the "sqlite3" driver used by sql.Open below.
	_ "github.com/mattn/go-sqlite3"

	"github.com/matrix-core/roomengine/roomserver/storage/shared"
)

// Open opens the SQLite database file and prepares every table,
// returning a shared.Database ready to satisfy roomserver/storage.Database.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// SQLite only tolerates one writer; NextSN's increment-then-read
	// pair relies on this to stay race-free without a busy_timeout dance.
	db.SetMaxOpenConns(1)

	events, err := NewSQLiteEventsTable(db)
	if err != nil {
		return nil, err
	}
	edges, err := NewSQLiteEdgesTable(db)
	if err != nil {
		return nil, err
	}
	extremities, err := NewSQLiteExtremitiesTable(db)
	if err != nil {
		return nil, err
	}
	authChains, err := NewSQLiteAuthChainsTable(db)
	if err != nil {
		return nil, err
	}
	rooms, err := NewSQLiteRoomsTable(db)
	if err != nil {
		return nil, err
	}
	gaps, err := NewSQLiteTimelineGapsTable(db)
	if err != nil {
		return nil, err
	}
	idempotents, err := NewSQLiteIdempotentsTable(db)
	if err != nil {
		return nil, err
	}
	stateFields, err := NewSQLiteStateFieldsTable(db)
	if err != nil {
		return nil, err
	}
	blocks, err := NewSQLiteStateBlocksTable(db)
	if err != nil {
		return nil, err
	}
	snapshots, err := NewSQLiteStateSnapshotsTable(db)
	if err != nil {
		return nil, err
	}
	seq, err := NewSQLiteSequenceTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:          db,
		Events:      events,
		EventJSON:   events,
		Edges:       edges,
		Extremities: extremities,
		AuthChains:  authChains,
		Rooms:       rooms,
		Gaps:        gaps,
		Idempotents: idempotents,
		StateFields: stateFields,
		Snapshots:   snapshots,
		Blocks:      blocks,
		Seq:         seq,
	}, nil
}
