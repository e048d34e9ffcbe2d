// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api is the surface roomserver/internal exposes to
// collaborators outside this module (spec §6): submitting events,
// looking up current state, and the federation-facing callbacks. It
// deliberately holds only types and interfaces — roomserver/internal
// supplies the implementation — so a future HTTP or in-process caller
// never needs to import the pipeline internals directly.
package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Kind distinguishes a fully-validated new event from one fetched only
// because something else referenced it (spec §4.6's outlier handling).
type Kind int

const (
	KindNew Kind = iota
	KindOutlier
)

// InputRoomEvent is one PDU entering the pipeline, either from a local
// sender (via submit_local, already built and signed) or from a
// federation transaction.
type InputRoomEvent struct {
	Kind    Kind
	RoomID  string
	Event   spec.RawJSON
	Origin  spec.ServerName

	// TxnID, when set, is the client-supplied idempotency token for a
	// local submission (spec §4.6).
	TxnID     string
	UserID    string
	DeviceID  string

	// SendAsServer, when non-empty, names the server identity the
	// resulting PDU should be signed as (used by submit_local).
	SendAsServer string
}

// InputRoomEventsRequest batches one or more events, optionally bound
// to the same actor-queue submission so a client's PUT retries map to
// a single dedup check.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
	Asynchronous    bool
}

// InputRoomEventsResponse holds a single outcome, not one per submitted
// event: each processed event overwrites EventID and NotAllowed, and
// processing stops at the first error, whose message lands in ErrMsg.
type InputRoomEventsResponse struct {
	ErrMsg   string
	EventID  string
	NotAllowed bool
}

// Err turns a non-empty ErrMsg back into an error, the shape the
// teacher's own InputRoomEvents callers check after every call.
func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	return inputError(r.ErrMsg)
}

type inputError string

func (e inputError) Error() string { return string(e) }

// RoomEventInputAPI is what submit_local/submit_remote_transaction
// (spec §6) call to hand events to C6.
type RoomEventInputAPI interface {
	InputRoomEvents(ctx context.Context, req *InputRoomEventsRequest, res *InputRoomEventsResponse)
}

// QueryCurrentState answers "what is the resolved state of this room
// right now", the read side of spec §6's current_state contract.
type QueryCurrentStateRequest struct {
	RoomID      string
	StateTuples []StateKeyTuple
}

type StateKeyTuple struct {
	EventType string
	StateKey  string
}

type QueryCurrentStateResponse struct {
	RoomExists bool
	RoomVersion string
	State       map[StateKeyTuple]spec.RawJSON
}

type QueryAPI interface {
	QueryCurrentState(ctx context.Context, req *QueryCurrentStateRequest, res *QueryCurrentStateResponse) error
}
