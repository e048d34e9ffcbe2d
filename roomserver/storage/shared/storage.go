// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared implements storage.Database once, against the
// tables.* interfaces, so roomserver/storage/postgres and
// roomserver/storage/sqlite3 only need to supply table statements in
// their own SQL dialect (mirroring dendrite's own shared/ package
// split across its storage backends).
package shared

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/internal/sqlutil"
	"github.com/matrix-core/roomengine/roomserver/storage/tables"
	"github.com/matrix-core/roomengine/roomserver/types"
)

// PutEventFlags control how PutEvent persists a PDU (spec §4.1, §4.6).
// The top-level storage package re-exports this as storage.PutEventFlags.
type PutEventFlags struct {
	IsOutlier       bool
	SoftFailed      bool
	IsRejected      bool
	RejectionReason string
	WorkerID        string
}

// Database composes the per-table statement sets behind the single
// storage.Database surface.
type Database struct {
	DB           *sql.DB
	Events       tables.Events
	EventJSON    tables.EventJSON
	Edges        tables.Edges
	Extremities  tables.Extremities
	AuthChains   tables.AuthChains
	Rooms        tables.Rooms
	Gaps         tables.TimelineGaps
	Idempotents  tables.Idempotents
	StateFields  tables.StateFields
	Snapshots    tables.StateSnapshots
	Blocks       tables.StateBlocks
	Seq          tables.Sequence
}

// PutEvent implements storage.Database.PutEvent: one transaction for
// the event row, its JSON, its edges, extremities, and sn allocation
// (spec §4.1).
func (d *Database) PutEvent(
	ctx context.Context, roomNID int64, roomID string, pdu spec.RawJSON, eventID string,
	depth int64, stateSnapshotNID types.StateSnapshotNID, prevEventIDs []string, flags PutEventFlags,
) (sn int64, duplicate bool, err error) {
	err = sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if existing, _, getErr := d.Events.SelectEventByID(ctx, txn, eventID); getErr == nil && existing != nil {
			sn = existing.SN
			duplicate = true
			return nil
		}

		sn, err = d.Seq.NextSN(ctx, txn)
		if err != nil {
			return err
		}

		nid, insErr := d.Events.InsertEvent(ctx, txn, roomNID, eventID, sn, depth,
			flags.IsOutlier, flags.SoftFailed, flags.IsRejected, flags.RejectionReason,
			stateSnapshotNID, flags.WorkerID)
		if insErr != nil {
			if sqlutil.IsUniqueConstraintViolation(insErr) {
				duplicate = true
				return nil
			}
			return insErr
		}
		_ = nid

		if jsonErr := d.EventJSON.InsertEventJSON(ctx, txn, eventID, pdu); jsonErr != nil {
			return jsonErr
		}

		for _, prev := range prevEventIDs {
			if edgeErr := d.Edges.InsertEdge(ctx, txn, eventID, prev); edgeErr != nil {
				return edgeErr
			}
		}

		if flags.IsOutlier {
			return nil
		}

		if extErr := d.Extremities.AddForward(ctx, txn, roomNID, eventID); extErr != nil {
			return extErr
		}
		for _, prev := range prevEventIDs {
			if rmErr := d.Extremities.RemoveForward(ctx, txn, roomNID, prev); rmErr != nil {
				return rmErr
			}
			if rmErr := d.Extremities.RemoveBackward(ctx, txn, roomNID, prev); rmErr != nil {
				return rmErr
			}
		}
		return nil
	})
	return sn, duplicate, err
}

// RedactEvent overwrites target's stored JSON with its redacted form
// and marks it redacted, in one transaction (spec §4.6's redaction
// handling, (b) and (c)).
func (d *Database) RedactEvent(ctx context.Context, targetEventID string, redactedJSON spec.RawJSON) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.EventJSON.UpdateEventJSON(ctx, txn, targetEventID, redactedJSON); err != nil {
			return err
		}
		return d.Events.UpdateRedacted(ctx, txn, targetEventID)
	})
}

func (d *Database) GetEventJSON(ctx context.Context, eventID string) (spec.RawJSON, error) {
	return d.EventJSON.SelectEventJSON(ctx, nil, eventID)
}

func (d *Database) GetEventsBySNRange(ctx context.Context, roomNID int64, fromSN, toSN int64, limit int) ([]string, error) {
	return d.Events.SelectEventsBySNRange(ctx, nil, roomNID, fromSN, toSN, limit)
}

func (d *Database) EdgesOut(ctx context.Context, eventID string) ([]string, error) {
	return d.Edges.SelectEdgesOut(ctx, nil, eventID)
}

func (d *Database) EdgesIn(ctx context.Context, eventID string) ([]string, error) {
	return d.Edges.SelectEdgesIn(ctx, nil, eventID)
}

func (d *Database) ForwardExtremities(ctx context.Context, roomNID int64) ([]string, error) {
	return d.Extremities.SelectForward(ctx, nil, roomNID)
}

func (d *Database) BackwardExtremities(ctx context.Context, roomNID int64) ([]string, error) {
	return d.Extremities.SelectBackward(ctx, nil, roomNID)
}

// AddBackwardExtremity records eventID as an unfetched ancestor, the
// DAG walker's (C7) bookkeeping for a prev_event it could not resolve
// within its depth budget (spec §4.7's third extremity rule).
func (d *Database) AddBackwardExtremity(ctx context.Context, roomNID int64, eventID string) error {
	return d.Extremities.AddBackward(ctx, nil, roomNID, eventID)
}

// RemoveBackwardExtremity drops eventID once it has been fetched and
// persisted as a non-outlier (spec §4.7's second extremity rule).
func (d *Database) RemoveBackwardExtremity(ctx context.Context, roomNID int64, eventID string) error {
	return d.Extremities.RemoveBackward(ctx, nil, roomNID, eventID)
}

// AuthChain serves spec §4.1's auth_chain(event_ids) from the memoized
// cache only (spec §3 "Auth chain index"): it returns the stored sorted
// NIDs for eventNIDs and does not walk auth links itself. The
// transitive closure is computed by roomserver/dag's Walker.AuthChain.
func (d *Database) AuthChain(ctx context.Context, eventNIDs []int64) ([]int64, error) {
	key := cacheKeyForNIDs(eventNIDs)
	nids, ok, err := d.AuthChains.SelectAuthChain(ctx, nil, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return nids, nil
}

func (d *Database) StoreAuthChain(ctx context.Context, cacheKey string, sortedNIDs []int64) error {
	return d.AuthChains.InsertAuthChain(ctx, nil, cacheKey, sortedNIDs)
}

func cacheKeyForNIDs(nids []int64) string {
	sorted := append([]int64(nil), nids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return formatNIDKey(sorted)
}

func formatNIDKey(sorted []int64) string {
	b := make([]byte, 0, len(sorted)*12)
	for i, n := range sorted {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendInt(b, n)
	}
	return string(b)
}

func appendInt(b []byte, n int64) []byte {
	if n == 0 {
		return append(b, '0')
	}
	neg := n < 0
	if neg {
		n = -n
	}
	start := len(b)
	for n > 0 {
		b = append(b, byte('0'+n%10))
		n /= 10
	}
	if neg {
		b = append(b, '-')
	}
	// reverse the digits written
	for i, j := start, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func (d *Database) UpsertRoomNID(ctx context.Context, roomID string, roomVersion string) (int64, error) {
	return d.Rooms.UpsertRoomNID(ctx, nil, roomID, roomVersion)
}

func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	return d.Rooms.SelectRoomInfo(ctx, nil, roomID)
}

func (d *Database) SetRoomStateSnapshot(ctx context.Context, roomNID int64, snapshotNID types.StateSnapshotNID) error {
	return d.Rooms.UpdateStateSnapshot(ctx, nil, roomNID, snapshotNID)
}

func (d *Database) InsertTimelineGap(ctx context.Context, roomID string, sn int64, eventID string) error {
	return d.Gaps.InsertGap(ctx, nil, roomID, sn, eventID)
}

func (d *Database) TimelineGaps(ctx context.Context, roomID string) ([]types.TimelineGap, error) {
	return d.Gaps.SelectGaps(ctx, nil, roomID)
}

func (d *Database) LookupIdempotentTxn(ctx context.Context, userID, deviceID, roomID, txnID string) (string, bool, error) {
	return d.Idempotents.SelectEventID(ctx, nil, userID, deviceID, roomID, txnID)
}

func (d *Database) RecordIdempotentTxn(ctx context.Context, userID, deviceID, roomID, txnID, eventID string) error {
	return d.Idempotents.InsertTxn(ctx, nil, userID, deviceID, roomID, txnID, eventID, spec.AsTimestamp(time.Now()))
}

func (d *Database) SnapshotByContentHash(ctx context.Context, roomNID int64, contentHash []byte) (types.StateSnapshotNID, bool, error) {
	return d.Snapshots.SelectByContentHash(ctx, nil, roomNID, contentHash)
}

func (d *Database) InsertSnapshot(ctx context.Context, roomNID int64, contentHash []byte, baseBlockNID types.StateBlockNID, deltaCount int) (types.StateSnapshotNID, error) {
	return d.Snapshots.InsertSnapshot(ctx, nil, roomNID, contentHash, baseBlockNID, deltaCount)
}

func (d *Database) SnapshotChain(ctx context.Context, nid types.StateSnapshotNID) (types.StateBlockNID, int, int64, error) {
	return d.Snapshots.SelectSnapshotChain(ctx, nil, nid)
}

func (d *Database) InsertBlock(ctx context.Context, parentBlockNID types.StateBlockNID, appended, disposed []types.StateEntry) (types.StateBlockNID, error) {
	return d.Blocks.InsertBlock(ctx, nil, parentBlockNID, appended, disposed)
}

func (d *Database) SelectBlock(ctx context.Context, nid types.StateBlockNID) (types.StateBlockNID, []types.StateEntry, []types.StateEntry, error) {
	return d.Blocks.SelectBlock(ctx, nil, nid)
}

func (d *Database) UpsertStateFieldNID(ctx context.Context, eventType, stateKey string) (types.StateKeyNID, error) {
	return d.StateFields.UpsertStateFieldNID(ctx, nil, eventType, stateKey)
}

func (d *Database) StateFieldTuple(ctx context.Context, nid types.StateKeyNID) (types.StateKeyTuple, error) {
	return d.StateFields.SelectStateFieldTuple(ctx, nil, nid)
}

// EventIDForNID resolves an interned EventNID back to its wire event_id,
// the reverse of GetEvent's lookup — needed by C5 to turn a materialized
// StateEntry (keyed by NID) back into the event_id gomatrixserverlib's
// PDU-based state map expects.
func (d *Database) EventIDForNID(ctx context.Context, nid types.EventNID) (string, error) {
	return d.Events.SelectEventIDByNID(ctx, nil, nid)
}

func (d *Database) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	meta, roomNID, err := d.Events.SelectEventByID(ctx, nil, eventID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, sql.ErrNoRows
	}
	version, err := d.Rooms.SelectRoomVersion(ctx, nil, roomNID)
	if err != nil {
		return nil, err
	}
	raw, err := d.EventJSON.SelectEventJSON(ctx, nil, eventID)
	if err != nil {
		return nil, err
	}
	return types.NewEventFromJSON(raw, version, *meta)
}
