// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the per-table statement surfaces that
// roomserver/storage/shared composes into the Database implementation
// (spec §6's normative table list), implemented separately by
// roomserver/storage/postgres and roomserver/storage/sqlite3.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/types"
)

// Events is the `events` table: one row per persisted PDU (outlier or
// not), carrying the flags and sequence numbers spec §3 attaches on
// persist.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string, sn int64, depth int64, isOutlier, softFailed, isRejected bool, rejectionReason string, stateSnapshotNID types.StateSnapshotNID, workerID string) (types.EventNID, error)
	SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (*types.EventMetadata, int64, error) // returns metadata + room NID
	SelectEventIDByNID(ctx context.Context, txn *sql.Tx, nid types.EventNID) (string, error)
	SelectEventsBySNRange(ctx context.Context, txn *sql.Tx, roomNID int64, fromSN, toSN int64, limit int) ([]string, error)
	UpdateSoftFailed(ctx context.Context, txn *sql.Tx, eventID string, softFailed bool) error
	UpdateRedacted(ctx context.Context, txn *sql.Tx, eventID string) error
	MaxSN(ctx context.Context, txn *sql.Tx) (int64, error)
}

// EventJSON is the `event_datas` table: the canonical event JSON,
// content-addressed by event_id and mutated in place only by redaction.
type EventJSON interface {
	InsertEventJSON(ctx context.Context, txn *sql.Tx, eventID string, eventJSON []byte) error
	SelectEventJSON(ctx context.Context, txn *sql.Tx, eventID string) ([]byte, error)
	UpdateEventJSON(ctx context.Context, txn *sql.Tx, eventID string, eventJSON []byte) error
}

// Edges is the `event_edges` table: one row per (event_id, prev_event_id)
// pair — the normative shape spec §9's open question settles on.
type Edges interface {
	InsertEdge(ctx context.Context, txn *sql.Tx, eventID, prevEventID string) error
	SelectEdgesOut(ctx context.Context, txn *sql.Tx, eventID string) ([]string, error)
	SelectEdgesIn(ctx context.Context, txn *sql.Tx, eventID string) ([]string, error)
}

// Extremities backs `event_forward_extremities` and
// `event_backward_extremities`.
type Extremities interface {
	AddForward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error
	RemoveForward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error
	AddBackward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error
	RemoveBackward(ctx context.Context, txn *sql.Tx, roomNID int64, eventID string) error
	SelectForward(ctx context.Context, txn *sql.Tx, roomNID int64) ([]string, error)
	SelectBackward(ctx context.Context, txn *sql.Tx, roomNID int64) ([]string, error)
}

// AuthChains is the `event_auth_chains` cache: the transitive closure
// of an event's auth_events, keyed by a canonical cache key over the
// input event NIDs (spec §3 "Auth chain index").
type AuthChains interface {
	SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]int64, bool, error)
	InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, sortedNIDs []int64) error
}

// Rooms is the `rooms` table.
type Rooms interface {
	UpsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (int64, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomNID int64) (string, error)
	UpdateStateSnapshot(ctx context.Context, txn *sql.Tx, roomNID int64, snapshotNID types.StateSnapshotNID) error
	UpdateMinDepth(ctx context.Context, txn *sql.Tx, roomNID int64, depth int64) error
	SetDisabled(ctx context.Context, txn *sql.Tx, roomNID int64, disabled bool) error
}

// TimelineGaps is the `timeline_gaps` table (spec §4.2).
type TimelineGaps interface {
	InsertGap(ctx context.Context, txn *sql.Tx, roomID string, sn int64, eventID string) error
	SelectGaps(ctx context.Context, txn *sql.Tx, roomID string) ([]types.TimelineGap, error)
}

// Idempotents is the `event_idempotents` table backing submit_local's
// per-(user,device,room) txn_id dedup window (spec §4.6).
type Idempotents interface {
	SelectEventID(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, txnID string) (string, bool, error)
	InsertTxn(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, txnID, eventID string, insertedAt spec.Timestamp) error
	PurgeOlderThan(ctx context.Context, txn *sql.Tx, cutoff spec.Timestamp) error
}

// StateFields is the `room_state_fields` table interning
// (event_type, state_key) pairs (spec §3 "State field").
type StateFields interface {
	UpsertStateFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateKeyNID, error)
	SelectStateFieldTuple(ctx context.Context, txn *sql.Tx, nid types.StateKeyNID) (types.StateKeyTuple, error)
}

// StateSnapshots is the `room_state_frames` table (spec §3 "State frame").
type StateSnapshots interface {
	SelectByContentHash(ctx context.Context, txn *sql.Tx, roomNID int64, contentHash []byte) (types.StateSnapshotNID, bool, error)
	InsertSnapshot(ctx context.Context, txn *sql.Tx, roomNID int64, contentHash []byte, baseBlockNID types.StateBlockNID, deltaCount int) (types.StateSnapshotNID, error)
	SelectSnapshotChain(ctx context.Context, txn *sql.Tx, nid types.StateSnapshotNID) (baseBlockNID types.StateBlockNID, deltaCount int, roomNID int64, err error)
}

// StateBlocks is the `room_state_deltas` table (spec §3 "State delta").
type StateBlocks interface {
	InsertBlock(ctx context.Context, txn *sql.Tx, parentBlockNID types.StateBlockNID, appended, disposed []types.StateEntry) (types.StateBlockNID, error)
	SelectBlock(ctx context.Context, txn *sql.Tx, nid types.StateBlockNID) (parent types.StateBlockNID, appended, disposed []types.StateEntry, err error)
}

// Sequence backs C2: a single monotonic 64-bit counter reserved
// transactionally with each put_event (spec §4.2). A reservation that
// doesn't commit may leave a gap (a Postgres sequence value is not
// returned on rollback; the SQLite counter row is), which callers must
// tolerate.
type Sequence interface {
	NextSN(ctx context.Context, txn *sql.Tx) (int64, error)
}
