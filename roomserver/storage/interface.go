// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage is C1, the event store: durable, content-addressed
// persistence of PDUs and their DAG linkage, behind a Database
// interface implemented by roomserver/storage/postgres and
// roomserver/storage/sqlite3 (spec §4.1).
package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/storage/shared"
	"github.com/matrix-core/roomengine/roomserver/types"
)

// PutEventFlags control how put_event persists a PDU (spec §4.1, §4.6).
type PutEventFlags = shared.PutEventFlags

// Database is the full event-store surface spec §4.1 names, plus the
// room/state/idempotency bookkeeping the pipeline (C6) and resolver
// (C5) need to stay transactional with every put.
type Database interface {
	// PutEvent persists event at roomNID against stateSnapshotNID with
	// flags, allocating a fresh sn (C2) and, for non-outliers, updating
	// extremities atomically. A duplicate event_id is a no-op that
	// returns the previously allocated sn (spec invariant 1, §4.1).
	PutEvent(ctx context.Context, roomNID int64, roomID string, pdu spec.RawJSON, eventID string, depth int64, stateSnapshotNID types.StateSnapshotNID, prevEventIDs []string, flags PutEventFlags) (sn int64, duplicate bool, err error)

	GetEvent(ctx context.Context, eventID string) (*types.Event, error)
	EventIDForNID(ctx context.Context, nid types.EventNID) (string, error)
	GetEventJSON(ctx context.Context, eventID string) (spec.RawJSON, error)
	RedactEvent(ctx context.Context, targetEventID string, redactedJSON spec.RawJSON) error
	GetEventsBySNRange(ctx context.Context, roomNID int64, fromSN, toSN int64, limit int) ([]string, error)

	EdgesOut(ctx context.Context, eventID string) ([]string, error)
	EdgesIn(ctx context.Context, eventID string) ([]string, error)

	ForwardExtremities(ctx context.Context, roomNID int64) ([]string, error)
	BackwardExtremities(ctx context.Context, roomNID int64) ([]string, error)
	AddBackwardExtremity(ctx context.Context, roomNID int64, eventID string) error
	RemoveBackwardExtremity(ctx context.Context, roomNID int64, eventID string) error

	AuthChain(ctx context.Context, eventNIDs []int64) ([]int64, error)
	StoreAuthChain(ctx context.Context, cacheKey string, sortedNIDs []int64) error

	UpsertRoomNID(ctx context.Context, roomID string, roomVersion string) (int64, error)
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	SetRoomStateSnapshot(ctx context.Context, roomNID int64, snapshotNID types.StateSnapshotNID) error

	InsertTimelineGap(ctx context.Context, roomID string, sn int64, eventID string) error
	TimelineGaps(ctx context.Context, roomID string) ([]types.TimelineGap, error)

	// LookupIdempotentTxn resolves spec §4.6's per-(user,device,room)
	// txn_id dedup window, returning the event_id already committed
	// for an identical resubmission, if any.
	LookupIdempotentTxn(ctx context.Context, userID, deviceID, roomID, txnID string) (string, bool, error)
	RecordIdempotentTxn(ctx context.Context, userID, deviceID, roomID, txnID, eventID string) error

	// Snapshot and Block persistence back C5's frame/delta storage;
	// exposed here because C1 owns all durable writes (spec §4.1).
	SnapshotByContentHash(ctx context.Context, roomNID int64, contentHash []byte) (types.StateSnapshotNID, bool, error)
	InsertSnapshot(ctx context.Context, roomNID int64, contentHash []byte, baseBlockNID types.StateBlockNID, deltaCount int) (types.StateSnapshotNID, error)
	SnapshotChain(ctx context.Context, nid types.StateSnapshotNID) (baseBlockNID types.StateBlockNID, deltaCount int, roomNID int64, err error)
	InsertBlock(ctx context.Context, parentBlockNID types.StateBlockNID, appended, disposed []types.StateEntry) (types.StateBlockNID, error)
	SelectBlock(ctx context.Context, nid types.StateBlockNID) (parent types.StateBlockNID, appended, disposed []types.StateEntry, err error)
	UpsertStateFieldNID(ctx context.Context, eventType, stateKey string) (types.StateKeyNID, error)
	StateFieldTuple(ctx context.Context, nid types.StateKeyNID) (types.StateKeyTuple, error)
}
