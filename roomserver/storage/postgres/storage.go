// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package postgres implements roomserver/storage.Database against a
// Postgres backend, the way dendrite's own roomserver/storage/postgres
// package composes one statement struct per table.
package postgres

import (
	"database/sql"

	// registers the "postgres" driver used by sql.Open below.
	_ "github.com/lib/pq"

	"github.com/matrix-core/roomengine/roomserver/storage/shared"
)

// Open dials Postgres and prepares every table, returning a
// shared.Database ready to satisfy roomserver/storage.Database.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}

	events, err := NewPostgresEventsTable(db)
	if err != nil {
		return nil, err
	}
	edges, err := NewPostgresEdgesTable(db)
	if err != nil {
		return nil, err
	}
	extremities, err := NewPostgresExtremitiesTable(db)
	if err != nil {
		return nil, err
	}
	authChains, err := NewPostgresAuthChainsTable(db)
	if err != nil {
		return nil, err
	}
	rooms, err := NewPostgresRoomsTable(db)
	if err != nil {
		return nil, err
	}
	gaps, err := NewPostgresTimelineGapsTable(db)
	if err != nil {
		return nil, err
	}
	idempotents, err := NewPostgresIdempotentsTable(db)
	if err != nil {
		return nil, err
	}
	stateFields, err := NewPostgresStateFieldsTable(db)
	if err != nil {
		return nil, err
	}
	blocks, err := NewPostgresStateBlocksTable(db)
	if err != nil {
		return nil, err
	}
	snapshots, err := NewPostgresStateSnapshotsTable(db)
	if err != nil {
		return nil, err
	}
	seq, err := NewPostgresSequenceTable(db)
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
