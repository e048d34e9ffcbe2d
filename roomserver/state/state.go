// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state is C5: given a candidate event and the state frames of
// its forward parents, it produces the new state frame the event
// leaves the room in, storing frames as delta chains against a chosen
// parent and periodically rebasing (spec §4.5). The conflict-resolution
// algorithm itself (partition, auth-difference, power-event pass,
// mainline ordering) is delegated to gomatrixserverlib's state
// resolution v2 implementation, the same division of labour conduwuit's
// event/resolver.rs keeps between its own frame/delta bookkeeping and
// its core::state::resolve library call.
package state

import (
	"context"
	"crypto/sha256"
	"sort"

	"github.com/pkg/errors"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/storage"
	"github.com/matrix-core/roomengine/roomserver/types"
)

// EventFetcher resolves an event_id to its PDU, needed both by the
// gomatrixserverlib resolver (auth events of conflicted candidates)
// and by our own frame materialization (nothing beyond ids is stored
// in a frame, so state-key lookups for the state map need this too).
type EventFetcher func(ctx context.Context, eventID string) (gomatrixserverlib.PDU, error)

// Resolver is C5.
type Resolver struct {
	DB storage.Database

	// RebaseInterval bounds how many deltas may chain off a frame
	// before a full rebase (empty parent) is written, config
	// RoomServer.StateRebaseInterval.
	RebaseInterval int
}

func NewResolver(db storage.Database, rebaseInterval int) *Resolver {
	return &Resolver{DB: db, RebaseInterval: rebaseInterval}
}

// StateMap is a materialized (type, state_key) -> event_id view,
// gomatrixserverlib's own shape for a room state snapshot.
type StateMap map[types.StateKeyTuple]string

// ResolveAtEvent computes the frame the room is left in once candidate
// is applied on top of the state frames of its forward parents.
func (r *Resolver) ResolveAtEvent(
	ctx context.Context, roomNID int64, roomVersion gomatrixserverlib.RoomVersion,
	parentFrames []types.StateSnapshotNID, candidate gomatrixserverlib.PDU, fetch EventFetcher,
) (types.StateSnapshotNID, error) {
	isStateEvent := candidate.StateKey() != nil

	// Degree-one fast path (spec §4.5 step for "single parent"):
	// non-state events leave the frame untouched; state events just
	// append one entry as a single-parent delta.
	if len(parentFrames) == 1 {
		if !isStateEvent {
			return parentFrames[0], nil
		}
		return r.appendOne(ctx, roomNID, parentFrames[0], candidate)
	}

	if len(parentFrames) == 0 {
		// Room-creation case: no parent state at all yet.
		if !isStateEvent {
			return 0, errors.New("non-state event with no parent state frame")
		}
		return r.appendOne(ctx, roomNID, 0, candidate)
	}

	resolved, err := r.resolveConflicts(ctx, roomVersion, parentFrames, fetch)
	if err != nil {
		return 0, err
	}

	if isStateEvent {
		key := types.StateKeyTuple{EventType: candidate.Type(), StateKey: *candidate.StateKey()}
		resolved[key] = candidate.EventID()
	}

	return r.persist(ctx, roomNID, parentFrames, resolved)
}

// resolveConflicts materializes each parent frame into a full state
// map, then hands the set of maps to gomatrixserverlib's resolver,
// which performs the partition / power-event / mainline steps spec
// §4.5 describes. No auth-chain events are passed (the auth-events
// argument is nil), so the resolver works from the forks' state events
// alone and has no auth-chain events to build an auth difference from.
func (r *Resolver) resolveConflicts(
	ctx context.Context, roomVersion gomatrixserverlib.RoomVersion,
	parentFrames []types.StateSnapshotNID, fetch EventFetcher,
) (StateMap, error) {
	pduSets := make([][]gomatrixserverlib.PDU, len(parentFrames))
	for i, frame := range parentFrames {
		m, err := r.Materialize(ctx, frame)
		if err != nil {
			return nil, err
		}

		pdus := make([]gomatrixserverlib.PDU, 0, len(m))
		for _, eventID := range m {
			pdu, err := fetch(ctx, eventID)
			if err != nil || pdu == nil {
				// Pathological input (missing state event): drop it
				// from this fork's contribution rather than failing
				// the whole resolution (spec §4.5 "missing auth events").
				continue
			}
			pdus = append(pdus, pdu)
		}
		pduSets[i] = pdus
	}

	resolvedIDs, err := gomatrixserverlib.ResolveConflicts(
		roomVersion, pduSets, nil, func(senderID spec.SenderID, roomID spec.RoomID) (*spec.UserID, error) {
			return spec.NewUserID(string(senderID), true)
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "resolve state conflicts")
	}

	resolved := make(StateMap, len(resolvedIDs))
	for _, pdu := range resolvedIDs {
		if pdu.StateKey() == nil {
			continue
		}
		resolved[types.StateKeyTuple{EventType: pdu.Type(), StateKey: *pdu.StateKey()}] = pdu.EventID()
	}
	return resolved, nil
}

// appendOne writes a single-entry delta off parent (or a fresh base
// frame if parent is zero) for one state event.
func (r *Resolver) appendOne(ctx context.Context, roomNID int64, parent types.StateSnapshotNID, candidate gomatrixserverlib.PDU) (types.StateSnapshotNID, error) {
	stateKeyNID, err := r.DB.UpsertStateFieldNID(ctx, candidate.Type(), *candidate.StateKey())
	if err != nil {
		return 0, err
	}
	eventNID, err := r.eventNID(ctx, candidate.EventID())
	if err != nil {
		return 0, err
	}

	var baseBlockNID types.StateBlockNID
	deltaCount := 1
	if parent != 0 {
		base, count, _, err := r.DB.SnapshotChain(ctx, parent)
		if err != nil {
			return 0, err
		}
		baseBlockNID = base
		deltaCount = count + 1
	}

	appended := []types.StateEntry{{StateKeyNID: stateKeyNID, EventNID: eventNID}}

	if r.RebaseInterval > 0 && deltaCount >= r.RebaseInterval && parent != 0 {
		full, err := r.Materialize(ctx, parent)
		if err != nil {
			return 0, err
		}
		key := types.StateKeyTuple{EventType: candidate.Type(), StateKey: *candidate.StateKey()}
		full[key] = candidate.EventID()
		rebased, err := r.entriesFor(ctx, full)
		if err != nil {
			return 0, err
		}
		blockNID, err := r.DB.InsertBlock(ctx, 0, rebased, nil)
		if err != nil {
			return 0, err
		}
		return r.finalizeFrame(ctx, roomNID, blockNID, 1)
	}

	blockNID, err := r.DB.InsertBlock(ctx, baseBlockNID, appended, nil)
	if err != nil {
		return 0, err
	}

	return r.finalizeFrame(ctx, roomNID, blockNID, deltaCount)
}

// persist diffs resolved against every candidate parent, picks the one
// minimizing |appended|+|disposed|, and writes the result as a delta
// (or rebase) off that parent (spec §4.5's "parent that minimizes").
func (r *Resolver) persist(ctx context.Context, roomNID int64, parentFrames []types.StateSnapshotNID, resolved StateMap) (types.StateSnapshotNID, error) {
	var bestParent types.StateSnapshotNID
	var bestAppended, bestDisposed []types.StateEntry
	bestCost := -1

	for _, parent := range parentFrames {
		before, err := r.Materialize(ctx, parent)
		if err != nil {
			return 0, err
		}
		appended, disposed, err := r.diff(ctx, before, resolved)
		if err != nil {
			return 0, err
		}
		cost := len(appended) + len(disposed)
		if bestCost == -1 || cost < bestCost {
			bestCost, bestParent, bestAppended, bestDisposed = cost, parent, appended, disposed
		}
	}

	var baseBlockNID types.StateBlockNID
	deltaCount := 1
	if bestParent != 0 {
		base, count, _, err := r.DB.SnapshotChain(ctx, bestParent)
		if err != nil {
			return 0, err
		}
		baseBlockNID = base
		deltaCount = count + 1
	}

	if r.RebaseInterval > 0 && deltaCount >= r.RebaseInterval {
		// Full rebase: write the whole resolved map as one base block
		// with an empty parent, bounding future materialization cost.
		appended, err := r.entriesFor(ctx, resolved)
		if err != nil {
			return 0, err
		}
		blockNID, err := r.DB.InsertBlock(ctx, 0, appended, nil)
		if err != nil {
			return 0, err
		}
		return r.finalizeFrame(ctx, roomNID, blockNID, 1)
	}

	blockNID, err := r.DB.InsertBlock(ctx, baseBlockNID, bestAppended, bestDisposed)
	if err != nil {
		return 0, err
	}
	return r.finalizeFrame(ctx, roomNID, blockNID, deltaCount)
}

func (r *Resolver) finalizeFrame(ctx context.Context, roomNID int64, blockNID types.StateBlockNID, deltaCount int) (types.StateSnapshotNID, error) {
	contentHash, err := r.contentHashOfBlock(ctx, blockNID)
	if err != nil {
		return 0, err
	}
	if existing, ok, err := r.DB.SnapshotByContentHash(ctx, roomNID, contentHash); err != nil {
		return 0, err
	} else if ok {
		return existing, nil
	}
	return r.DB.InsertSnapshot(ctx, roomNID, contentHash, blockNID, deltaCount)
}

// contentHashOfBlock hashes the materialized state reachable through
// blockNID so that two semantically identical frames dedup regardless
// of how they were derived (spec §4.5 "dedup by content hash").
func (r *Resolver) contentHashOfBlock(ctx context.Context, blockNID types.StateBlockNID) ([]byte, error) {
	entries, err := r.materializeBlock(ctx, blockNID)
	if err != nil {
		return nil, err
	}
	sort.Sort(types.StateEntryByStateKeyNID(entries))
	h := sha256.New()
	for _, e := range entries {
		var buf [16]byte
		putInt64(buf[0:8], int64(e.StateKeyNID))
		putInt64(buf[8:16], int64(e.EventNID))
		h.Write(buf[:])
	}
	return h.Sum(nil), nil
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

// diff computes the minimal appended/disposed entry sets turning
// before into after, keyed by interned state field.
func (r *Resolver) diff(ctx context.Context, before StateMap, after StateMap) (appended, disposed []types.StateEntry, err error) {
	for tuple, eventID := range after {
		if before[tuple] == eventID {
			continue
		}
		nid, err := r.DB.UpsertStateFieldNID(ctx, tuple.EventType, tuple.StateKey)
		if err != nil {
			return nil, nil, err
		}
		eventNID, err := r.eventNID(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		appended = append(appended, types.StateEntry{StateKeyNID: nid, EventNID: eventNID})
	}
	for tuple, eventID := range before {
		if _, ok := after[tuple]; ok {
			continue
		}
		nid, err := r.DB.UpsertStateFieldNID(ctx, tuple.EventType, tuple.StateKey)
		if err != nil {
			return nil, nil, err
		}
		eventNID, err := r.eventNID(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		disposed = append(disposed, types.StateEntry{StateKeyNID: nid, EventNID: eventNID})
	}
	return appended, disposed, nil
}

func (r *Resolver) entriesFor(ctx context.Context, m StateMap) ([]types.StateEntry, error) {
	entries := make([]types.StateEntry, 0, len(m))
	for tuple, eventID := range m {
		nid, err := r.DB.UpsertStateFieldNID(ctx, tuple.EventType, tuple.StateKey)
		if err != nil {
			return nil, err
		}
		eventNID, err := r.eventNID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.StateEntry{StateKeyNID: nid, EventNID: eventNID})
	}
	return entries, nil
}

// eventNID resolves an event_id to its interned EventNID via the
// event store's own metadata row (spec §3's "interned on first
// persist" — every event a frame can reference was persisted first).
func (r *Resolver) eventNID(ctx context.Context, eventID string) (types.EventNID, error) {
	event, err := r.DB.GetEvent(ctx, eventID)
	if err != nil {
		return 0, errors.Wrapf(err, "state resolver: unknown event %q", eventID)
	}
	return event.Metadata.EventNID, nil
}

// Materialize walks a frame's delta chain back to its base block and
// returns the full state map it represents.
func (r *Resolver) Materialize(ctx context.Context, frame types.StateSnapshotNID) (StateMap, error) {
	if frame == 0 {
		return StateMap{}, nil
	}
	base, _, _, err := r.DB.SnapshotChain(ctx, frame)
	if err != nil {
		return nil, err
	}
	entries, err := r.materializeBlock(ctx, base)
	if err != nil {
		return nil, err
	}
	m := make(StateMap, len(entries))
	for _, e := range entries {
		tuple, err := r.DB.StateFieldTuple(ctx, e.StateKeyNID)
		if err != nil {
			return nil, err
		}
		eventID, err := r.eventIDForNID(ctx, e.EventNID)
		if err != nil {
			return nil, err
		}
		m[tuple] = eventID
	}
	return m, nil
}

// materializeBlock walks from a base block forward applying each
// delta's appended/disposed entries, returning the resulting flat
// entry set keyed by StateKeyNID (one winner per field).
func (r *Resolver) materializeBlock(ctx context.Context, blockNID types.StateBlockNID) ([]types.StateEntry, error) {
	var chain []types.StateBlockNID
	for nid := blockNID; nid != 0; {
		chain = append(chain, nid)
		parent, _, _, err := r.DB.SelectBlock(ctx, nid)
		if err != nil {
			return nil, err
		}
		nid = parent
	}

	result := map[types.StateKeyNID]types.EventNID{}
	// Apply oldest (base) to newest so later deltas win.
	for i := len(chain) - 1; i >= 0; i-- {
		_, appended, disposed, err := r.DB.SelectBlock(ctx, chain[i])
		if err != nil {
			return nil, err
		}
		for _, e := range disposed {
			delete(result, e.StateKeyNID)
		}
		for _, e := range appended {
			result[e.StateKeyNID] = e.EventNID
		}
	}

	entries := make([]types.StateEntry, 0, len(result))
	for k, v := range result {
		entries = append(entries, types.StateEntry{StateKeyNID: k, EventNID: v})
	}
	return entries, nil
}

func (r *Resolver) eventIDForNID(ctx context.Context, nid types.EventNID) (string, error) {
	return r.DB.EventIDForNID(ctx, nid)
}
