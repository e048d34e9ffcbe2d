// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package dag

import (
	"context"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"

	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/roomserver/storage"
	"github.com/matrix-core/roomengine/roomserver/storage/sqlite3"
)

const testRoomID = "!room:example.org"

const createJSON = `{
	"type":"m.room.create",
	"state_key":"",
	"sender":"@alice:example.org",
	"room_id":"!room:example.org",
	"content":{"creator":"@alice:example.org","room_version":"4"},
	"auth_events":[],
	"prev_events":[],
	"depth":1,
	"origin_server_ts":1000000
}`

func mustEvent(t *testing.T, eventJSON string) gomatrixserverlib.PDU {
	t.Helper()
	event, err := gomatrixserverlib.NewEventFromTrustedJSON([]byte(eventJSON), false, gomatrixserverlib.RoomVersionV4)
	require.NoError(t, err)
	return event
}

func newTestDB(t *testing.T) (storage.Database, int64) {
	t.Helper()
	db, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	roomNID, err := db.UpsertRoomNID(context.Background(), testRoomID, string(gomatrixserverlib.RoomVersionV4))
	require.NoError(t, err)
	return db, roomNID
}

type stubFed struct {
	events map[string]gomatrixserverlib.PDU
}

func (s *stubFed) GetEvent(ctx context.Context, destination spec.ServerName, eventID string, roomVersion gomatrixserverlib.RoomVersion) (gomatrixserverlib.PDU, error) {
	pdu, ok := s.events[eventID]
	if !ok {
		return nil, errNoDestinations
	}
	return pdu, nil
}

func (s *stubFed) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int, roomVersion gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error) {
	return nil, errNoDestinations
}

func (s *stubFed) Backfill(ctx context.Context, destination spec.ServerName, roomID string, count int, fromEventIDs []string, roomVersion gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error) {
	var out []gomatrixserverlib.PDU
	for _, pdu := range s.events {
		out = append(out, pdu)
	}
	return out, nil
}

func (s *stubFed) LookupState(ctx context.Context, destination spec.ServerName, roomID, eventID string, roomVersion gomatrixserverlib.RoomVersion) (fclient.RespState, error) {
	return fclient.RespState{}, errNoDestinations
}

func (s *stubFed) LookupStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (fclient.RespStateIDs, error) {
	return fclient.RespStateIDs{}, errNoDestinations
}

func TestFillMissingFetchesAncestors(t *testing.T) {
	db, _ := newTestDB(t)
	create := mustEvent(t, createJSON)

	childJSON := `{
		"type":"m.room.message",
		"sender":"@alice:example.org",
		"room_id":"!room:example.org",
		"content":{"body":"hi"},
		"auth_events":["` + create.EventID() + `"],
		"prev_events":["` + create.EventID() + `"],
		"depth":2,
		"origin_server_ts":1000001
	}`
	child := mustEvent(t, childJSON)

	caches, err := caching.New()
	require.NoError(t, err)
	fed := &stubFed{events: map[string]gomatrixserverlib.PDU{create.EventID(): create}}
	w := NewWalker(db, fed, caches, 10)

	var persisted []gomatrixserverlib.PDU
	unresolved, err := w.FillMissing(context.Background(), testRoomID, gomatrixserverlib.RoomVersionV4, []spec.ServerName{"origin.example.org"}, child, func(ctx context.Context, pdu gomatrixserverlib.PDU) error {
		persisted = append(persisted, pdu)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, unresolved)
	require.Len(t, persisted, 1)
	require.Equal(t, create.EventID(), persisted[0].EventID())
}

func TestFillMissingReportsUnfetchableAncestorsAsUnresolved(t *testing.T) {
	db, _ := newTestDB(t)

	childJSON := `{
		"type":"m.room.message",
		"sender":"@alice:example.org",
		"room_id":"!room:example.org",
		"content":{"body":"hi"},
		"auth_events":["$missing1"],
		"prev_events":["$missing2"],
		"depth":2,
		"origin_server_ts":1000001
	}`
	child := mustEvent(t, childJSON)

	caches, err := caching.New()
	require.NoError(t, err)
	fed := &stubFed{events: map[string]gomatrixserverlib.PDU{}}
	w := NewWalker(db, fed, caches, 10)

	unresolved, err := w.FillMissing(context.Background(), testRoomID, gomatrixserverlib.RoomVersionV4, []spec.ServerName{"origin.example.org"}, child, func(ctx context.Context, pdu gomatrixserverlib.PDU) error {
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"$missing1", "$missing2"}, unresolved)
}

func TestUpdateExtremitiesAddsBackwardForUnknownPrev(t *testing.T) {
	db, roomNID := newTestDB(t)
	caches, err := caching.New()
	require.NoError(t, err)
	w := NewWalker(db, &stubFed{}, caches, 10)

	childJSON := `{
		"type":"m.room.message",
		"sender":"@alice:example.org",
		"room_id":"!room:example.org",
		"content":{"body":"hi"},
		"auth_events":[],
		"prev_events":["$unknown"],
		"depth":2,
		"origin_server_ts":1000001
	}`
	child := mustEvent(t, childJSON)

	require.NoError(t, w.UpdateExtremities(context.Background(), roomNID, child))
	backward, err := db.BackwardExtremities(context.Background(), roomNID)
	require.NoError(t, err)
	require.Contains(t, backward, "$unknown")
}
