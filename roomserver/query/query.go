// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package query answers api.QueryAPI's current_state contract (spec
// §6) by materializing a room's latest state frame through C5 and
// resolving each (type, state_key) entry back to its event JSON
// through C1.
package query

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/api"
	"github.com/matrix-core/roomengine/roomserver/state"
	"github.com/matrix-core/roomengine/roomserver/storage"
	"github.com/matrix-core/roomengine/roomserver/types"
)

type Engine struct {
	DB       storage.Database
	Resolver *state.Resolver
}

func NewEngine(db storage.Database, resolver *state.Resolver) *Engine {
	return &Engine{DB: db, Resolver: resolver}
}

var _ api.QueryAPI = (*Engine)(nil)

// QueryCurrentState implements api.QueryAPI. An empty StateTuples
// returns the room's full resolved state; a non-empty one filters to
// just the requested (type, state_key) pairs, the shape a sync
// implementation needs when it already knows which fields changed.
func (e *Engine) QueryCurrentState(ctx context.Context, req *api.QueryCurrentStateRequest, res *api.QueryCurrentStateResponse) error {
	info, err := e.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		res.RoomExists = false
		return nil
	}
	res.RoomExists = true
	res.RoomVersion = string(info.RoomVersion)
	res.State = make(map[api.StateKeyTuple]spec.RawJSON)

	if info.StateSnapshotNID == 0 {
		return nil
	}
	materialized, err := e.Resolver.Materialize(ctx, info.StateSnapshotNID)
	if err != nil {
		return err
	}

	wanted := toInternalTuples(req.StateTuples)
	for tuple, eventID := range materialized {
		if len(wanted) > 0 && !wanted[tuple] {
			continue
		}
		raw, err := e.DB.GetEventJSON(ctx, eventID)
		if err != nil {
			continue
		}
		res.State[api.StateKeyTuple{EventType: tuple.EventType, StateKey: tuple.StateKey}] = raw
	}
	return nil
}

func toInternalTuples(in []api.StateKeyTuple) map[types.StateKeyTuple]bool {
	if len(in) == 0 {
		return nil
	}
	out := make(map[types.StateKeyTuple]bool, len(in))
	for _, t := range in {
		out[types.StateKeyTuple{EventType: t.EventType, StateKey: t.StateKey}] = true
	}
	return out
}
