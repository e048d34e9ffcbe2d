// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth is C4: a pure wrapper over gomatrixserverlib's
// room-version auth rules, run by the pipeline (C6) twice per event —
// once against auth_events (hard auth) and once against resolved
// current state (soft auth) — the same two-call shape conduwuit's
// event_auth::auth_check has at both of its call sites in
// event/handler/mod.rs.
package auth

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/types"
)

// EventFetcher resolves an event_id to its PDU, the single capability
// gomatrixserverlib.AuthEvents needs beyond the state map itself.
type EventFetcher func(ctx context.Context, eventID string) (gomatrixserverlib.PDU, error)

// Engine runs C4's accept/reject decision. It holds no state of its
// own: "given identical (E, S, version) it returns identical verdict",
// exactly as spec §4.4 requires of a pure function.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Verdict is the auth engine's decision plus, on rejection, the reason
// recorded against the event's rejection_reason column.
type Verdict struct {
	Allowed bool
	Reason  string
}

// stateProvider adapts a flat state-entry map plus an EventFetcher
// into gomatrixserverlib.AuthEvents, the interface Allowed consults
// for the create/power-levels/join-rules/member/3pid-invite events it
// needs to evaluate a candidate.
type stateProvider struct {
	ctx     context.Context
	fetch   EventFetcher
	byField map[stateKey]string // (type, state_key) -> event_id
}

type stateKey struct {
	eventType string
	stateKey  string
}

func newStateProvider(ctx context.Context, fetch EventFetcher, state map[types.StateKeyTuple]string) *stateProvider {
	byField := make(map[stateKey]string, len(state))
	for tuple, eventID := range state {
		byField[stateKey{tuple.EventType, tuple.StateKey}] = eventID
	}
	return &stateProvider{ctx: ctx, fetch: fetch, byField: byField}
}

func (s *stateProvider) lookup(eventType, key string) (gomatrixserverlib.PDU, error) {
	eventID, ok := s.byField[stateKey{eventType, key}]
	if !ok {
		return nil, nil
	}
	return s.fetch(s.ctx, eventID)
}

func (s *stateProvider) Create() (gomatrixserverlib.PDU, error) {
	return s.lookup(spec.MRoomCreate, "")
}

func (s *stateProvider) JoinRules() (gomatrixserverlib.PDU, error) {
	return s.lookup(spec.MRoomJoinRules, "")
}

func (s *stateProvider) PowerLevels() (gomatrixserverlib.PDU, error) {
	return s.lookup(spec.MRoomPowerLevels, "")
}

func (s *stateProvider) Member(stateKey spec.SenderID) (gomatrixserverlib.PDU, error) {
	return s.lookup(spec.MRoomMember, string(stateKey))
}

func (s *stateProvider) ThirdPartyInvite(stateKey string) (gomatrixserverlib.PDU, error) {
	return s.lookup(spec.MRoomThirdPartyInvite, stateKey)
}

// Check evaluates candidate under state (a (type, state_key) -> event_id
// map — either the declared auth_events set for hard auth, or the
// current resolved room state for soft auth) and roomVersion's rules.
func (e *Engine) Check(
	ctx context.Context, candidate gomatrixserverlib.PDU, state map[types.StateKeyTuple]string,
	roomVersion gomatrixserverlib.RoomVersion, fetch EventFetcher,
) Verdict {
	provider := newStateProvider(ctx, fetch, state)

	if _, err := gomatrixserverlib.GetRoomVersion(roomVersion); err != nil {
		return Verdict{Allowed: false, Reason: "unknown room version: " + err.Error()}
	}

	if err := gomatrixserverlib.Allowed(candidate, provider, func(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
		return spec.NewUserID(string(senderID), true)
	}); err != nil {
		return Verdict{Allowed: false, Reason: err.Error()}
	}
	return Verdict{Allowed: true}
}

// HardAuth is C4 run against the state declared by the candidate's own
// auth_events (spec §4.4, pipeline phase Authorized). Failure rejects
// the event outright.
func (e *Engine) HardAuth(
	ctx context.Context, candidate gomatrixserverlib.PDU, authEventsState map[types.StateKeyTuple]string,
	roomVersion gomatrixserverlib.RoomVersion, fetch EventFetcher,
) Verdict {
	return e.Check(ctx, candidate, authEventsState, roomVersion, fetch)
}

// SoftAuth is C4 run against the room's current resolved state (spec
// §4.4). Failure soft-fails the event: it is stored and citable as
// history but not built upon by new local sends.
func (e *Engine) SoftAuth(
	ctx context.Context, candidate gomatrixserverlib.PDU, currentState map[types.StateKeyTuple]string,
	roomVersion gomatrixserverlib.RoomVersion, fetch EventFetcher,
) Verdict {
	return e.Check(ctx, candidate, currentState, roomVersion, fetch)
}

// PowerLevelOf reads userID's power level from a power_levels event's
// content, falling back to users_default (or 0 if that too is unset).
// Keys are looked up through gjson's own map decoding rather than a
// dotted path, since a user_id contains '.' itself.
func PowerLevelOf(content []byte, userID string) int64 {
	if users := gjson.GetBytes(content, "users"); users.Exists() {
		if v, ok := users.Map()[userID]; ok {
			return v.Int()
		}
	}
	if v := gjson.GetBytes(content, "users_default"); v.Exists() {
		return v.Int()
	}
	return 0
}

// RedactLevelOf reads the power level a power_levels event requires to
// redact another user's event, defaulting to Matrix's standard 50.
func RedactLevelOf(content []byte) int64 {
	if v := gjson.GetBytes(content, "redact"); v.Exists() {
		return v.Int()
	}
	return 50
}

// UserCanRedact is the redaction-aware soft-fail gate spec §4.6
// supplements HardAuth/SoftAuth with: a redaction targeting the
// sender's own event is always allowed, otherwise the sender needs the
// room's configured redact power level (mirrors Matrix's
// user_can_redact, the check every server runs before accepting a
// cross-user redaction).
func UserCanRedact(senderID, targetSenderID string, powerLevelsContent []byte) bool {
	if senderID == targetSenderID {
		return true
	}
	if powerLevelsContent == nil {
		return false
	}
	return PowerLevelOf(powerLevelsContent, senderID) >= RedactLevelOf(powerLevelsContent)
}
