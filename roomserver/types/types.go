// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the core data model of the event pipeline and
// state engine (spec §3): interned ids, the compact state frame/delta
// representation, and the metadata every persisted PDU carries.
package types

import (
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// EventNID is a server-local interned row id for a persisted event.
// It never crosses a federation boundary; EventID is the wire identity.
type EventNID int64

// StateKeyNID is a server-local interned row id for an (event_type,
// state_key) pair — spec §3's "state field".
type StateKeyNID int64

// StateSnapshotNID identifies a state frame (spec §3's "state frame").
type StateSnapshotNID int64

// StateBlockNID identifies a state delta row.
type StateBlockNID int64

// EventTypeNID interns just the event_type half of a state field. No
// other package in this module uses it.
type EventTypeNID int64

// Lifecycle phases an event passes through (spec §3, §4.6).
type Phase string

const (
	PhaseReceived           Phase = "Received"
	PhaseValidated          Phase = "Validated"
	PhaseAncestorsResolved  Phase = "AncestorsResolved"
	PhaseAuthorized         Phase = "Authorized"
	PhaseStateComputed      Phase = "StateComputed"
	PhaseCommitted          Phase = "Committed"
	PhasePublished          Phase = "Published"
	PhaseRejected           Phase = "Rejected"
	PhaseSoftFailed         Phase = "SoftFailed"
)

// EventMetadata is everything attached to an event on persist, beyond
// the PDU's own wire fields (spec §3 "Metadata attached on persist").
type EventMetadata struct {
	EventNID            EventNID
	SN                  int64
	StreamOrdering       int64
	TopologicalOrdering  int64 // == Depth
	IsOutlier           bool
	SoftFailed          bool
	IsRejected          bool
	IsRedacted          bool
	RejectionReason     string
	WorkerID            string // optional provenance, spec §9 open question
	StateSnapshotNID    StateSnapshotNID
}

// Event pairs a gomatrixserverlib PDU with the metadata this core
// attaches once it is persisted. Unpersisted (in-flight) events carry
// a zero EventMetadata.
type Event struct {
	gomatrixserverlib.PDU
	Metadata EventMetadata
}

func (e *Event) EventNID() EventNID { return e.Metadata.EventNID }

// NewEventFromJSON parses a persisted event's canonical JSON back
// into a PDU under the room version it was stored with, attaching the
// metadata row alongside it. Used by the event store (C1) to
// reconstitute Event values for callers that never held the raw PDU.
func NewEventFromJSON(raw []byte, roomVersion string, meta EventMetadata) (*Event, error) {
	verImpl, err := gomatrixserverlib.GetRoomVersion(gomatrixserverlib.RoomVersion(roomVersion))
	if err != nil {
		return nil, err
	}
	pdu, err := verImpl.NewEventFromTrustedJSON(raw, meta.IsRedacted)
	if err != nil {
		return nil, err
	}
	return &Event{PDU: pdu, Metadata: meta}, nil
}

// RejectedError describes an event that failed hard auth (spec §4.6
// "Rejected"). Nothing in this module returns it.
type RejectedError string

func (e RejectedError) Error() string { return "event rejected: " + string(e) }

// MissingStateError describes a state snapshot that state resolution
// or auth needs but that isn't materialized locally. Nothing in this
// module returns it.
type MissingStateError string

func (e MissingStateError) Error() string { return "missing state: " + string(e) }

// ErrorInvalidRoomInfo describes a room whose state_frame_id does not
// resolve to a frame containing a valid m.room.create (invariant 5).
// Nothing in this module returns it.
var ErrorInvalidRoomInfo = missingRoomInfoError{}

type missingRoomInfoError struct{}

func (missingRoomInfoError) Error() string { return "invalid room info: no m.room.create in current state" }

// StateKeyTuple is the (event_type, state_key) pair interned as a
// StateKeyNID — spec §3's "state field".
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// StateEntry is one (interned field, event id) pair inside a resolved
// state map or a frame's materialized content.
type StateEntry struct {
	StateKeyNID StateKeyNID
	EventNID    EventNID
}

// StateEntryByStateKeyNID sorts StateEntry slices the way compact
// frames are persisted (by interned field id) so that two semantically
// identical state maps content-hash identically regardless of
// insertion order.
type StateEntryByStateKeyNID []StateEntry

func (s StateEntryByStateKeyNID) Len() int      { return len(s) }
func (s StateEntryByStateKeyNID) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s StateEntryByStateKeyNID) Less(i, j int) bool {
	if s[i].StateKeyNID != s[j].StateKeyNID {
		return s[i].StateKeyNID < s[j].StateKeyNID
	}
	return s[i].EventNID < s[j].EventNID
}

// RoomInfo is the row-level summary of a room (spec §3 "Room").
type RoomInfo struct {
	RoomNID          int64
	RoomID           string
	RoomVersion      gomatrixserverlib.RoomVersion
	StateSnapshotNID StateSnapshotNID
	MinDepth         int64
	IsPublic         bool
	Disabled         bool
	HasAuthChainIndex bool
}

// Extremities holds a room's forward and backward extremities (spec
// §3, §4.7). Order is not significant; callers sort when comparing.
type Extremities struct {
	Forward  []string // event ids with no known persisted non-outlier child
	Backward []string // referenced prev_events not locally held as non-outlier
}

// TimelineGap records an unfetchable backfill boundary surfaced to
// clients as a `limited` sync (spec §4.2).
type TimelineGap struct {
	RoomID  string
	SN      int64
	EventID string
}

// StateAtEvent is the state snapshot a candidate event is evaluated
// against, plus the event itself — the unit state resolution and the
// auth engine both operate on (spec §4.5 "candidate event E").
type StateAtEvent struct {
	BeforeEventNID StateSnapshotNID
	StateEntries   []StateEntry
	IsStateEvent   bool
	StateKeyTuple  *StateKeyTuple
}

// ServerName is re-exported for callers that don't want to import
// gomatrixserverlib/spec directly for this one type.
type ServerName = spec.ServerName
