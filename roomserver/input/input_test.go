// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/roomserver/api"
	"github.com/matrix-core/roomengine/roomserver/auth"
	"github.com/matrix-core/roomengine/roomserver/dag"
	"github.com/matrix-core/roomengine/roomserver/signing"
	"github.com/matrix-core/roomengine/roomserver/state"
	"github.com/matrix-core/roomengine/roomserver/storage"
	"github.com/matrix-core/roomengine/roomserver/storage/sqlite3"
	"github.com/matrix-core/roomengine/roomserver/types"
)

const testBobUserID = "@bob:example.org"

const testRoomID = "!room:example.org"
const testServerName = spec.ServerName("example.org")
const testUserID = "@alice:example.org"

func newTestInputer(t *testing.T) (*Inputer, *signing.Builder, storage.Database) {
	t.Helper()
	db, err := sqlite3.Open(":memory:")
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	identity := &signing.Identity{ServerName: testServerName, KeyID: "ed25519:1", PrivateKey: priv}

	caches, err := caching.New()
	require.NoError(t, err)
	caches.ServerKeys.Set(string(testServerName)+"/ed25519:1", caching.ServerKeyEntry{
		PublicKey:    pub,
		ValidUntilTS: 1 << 62,
	})
	keyRing := signing.NewKeyRing(caches, nil)
	validator := signing.NewValidator(keyRing)

	inp := &Inputer{
		DB:        db,
		Validator: validator,
		Auth:      auth.NewEngine(),
		Resolver:  state.NewResolver(db, 64),
		Caches:    caches,
	}
	return inp, signing.NewBuilder(identity), db
}

func submit(t *testing.T, inp *Inputer, pdu gomatrixserverlib.PDU, kind api.Kind) *api.InputRoomEventsResponse {
	t.Helper()
	res := &api.InputRoomEventsResponse{}
	inp.InputRoomEvents(context.Background(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:   kind,
			RoomID: testRoomID,
			Event:  pdu.JSON(),
		}},
	}, res)
	return res
}

func TestInputerAcceptsCreateThenJoin(t *testing.T) {
	inp, builder, db := newTestInputer(t)

	create, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID:      testRoomID,
		RoomVersion: gomatrixserverlib.RoomVersionV4,
		SenderID:    testUserID,
		EventType:   spec.MRoomCreate,
		StateKey:    strPtr(""),
		Content:     []byte(`{"creator":"` + testUserID + `","room_version":"4"}`),
		Depth:       1,
	})
	require.NoError(t, err)

	res := submit(t, inp, create, api.KindNew)
	require.NoError(t, res.Err())
	require.Equal(t, create.EventID(), res.EventID)

	join, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID:      testRoomID,
		RoomVersion: gomatrixserverlib.RoomVersionV4,
		SenderID:    testUserID,
		EventType:   spec.MRoomMember,
		StateKey:    strPtr(testUserID),
		Content:     []byte(`{"membership":"join"}`),
		PrevEvents:  []string{create.EventID()},
		AuthEvents:  []string{create.EventID()},
		Depth:       2,
	})
	require.NoError(t, err)

	res = submit(t, inp, join, api.KindNew)
	require.NoError(t, res.Err())
	require.False(t, res.NotAllowed)

	info, err := db.RoomInfo(context.Background(), testRoomID)
	require.NoError(t, err)
	require.NotZero(t, info.StateSnapshotNID)

	materialized, err := inp.Resolver.Materialize(context.Background(), info.StateSnapshotNID)
	require.NoError(t, err)
	require.Equal(t, join.EventID(), materialized[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: testUserID}])
}

func TestInputerDuplicateEventIsNoOp(t *testing.T) {
	inp, builder, _ := newTestInputer(t)
	create, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomCreate, StateKey: strPtr(""), Content: []byte(`{"creator":"` + testUserID + `"}`), Depth: 1,
	})
	require.NoError(t, err)

	res1 := submit(t, inp, create, api.KindNew)
	require.NoError(t, res1.Err())
	res2 := submit(t, inp, create, api.KindNew)
	require.NoError(t, res2.Err())
	require.Equal(t, res1.EventID, res2.EventID)
}

func TestInputerOutlierSkipsStateResolution(t *testing.T) {
	inp, builder, db := newTestInputer(t)
	_, err := db.UpsertRoomNID(context.Background(), testRoomID, string(gomatrixserverlib.RoomVersionV4))
	require.NoError(t, err)

	outlier, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: "m.room.message", Content: []byte(`{"body":"hi"}`), Depth: 5,
	})
	require.NoError(t, err)

	res := submit(t, inp, outlier, api.KindOutlier)
	require.NoError(t, res.Err())

	got, err := db.GetEvent(context.Background(), outlier.EventID())
	require.NoError(t, err)
	require.True(t, got.Metadata.IsOutlier)
	require.Zero(t, got.Metadata.StateSnapshotNID)
}

// TestInputerRejectsTamperedContentHash covers §8 S4: an event whose
// content was modified after signing fails content-hash verification
// at the Validated phase and is never persisted.
func TestInputerRejectsTamperedContentHash(t *testing.T) {
	inp, builder, db := newTestInputer(t)
	create, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomCreate, StateKey: strPtr(""),
		Content: []byte(`{"creator":"` + testUserID + `","room_version":"4"}`), Depth: 1,
	})
	require.NoError(t, err)

	tampered := strings.Replace(string(create.JSON()), `"room_version":"4"`, `"room_version":"5"`, 1)
	require.NotEqual(t, string(create.JSON()), tampered)

	res := &api.InputRoomEventsResponse{}
	inp.InputRoomEvents(context.Background(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind: api.KindNew, RoomID: testRoomID, Event: []byte(tampered),
		}},
	}, res)
	require.Error(t, res.Err())

	_, err = db.GetEvent(context.Background(), create.EventID())
	require.Error(t, err)
}

// buildJoinedRoom mints a room with alice and bob both joined, returning
// the create/aliceJoin/bobJoin events so callers can chain further
// events off bobJoin as the latest prev_event.
func buildJoinedRoom(t *testing.T, inp *Inputer, builder *signing.Builder) (create, aliceJoin, bobJoin gomatrixserverlib.PDU) {
	t.Helper()
	var err error
	create, err = builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomCreate, StateKey: strPtr(""),
		Content: []byte(`{"creator":"` + testUserID + `","room_version":"4"}`), Depth: 1,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, create, api.KindNew).Err())

	aliceJoin, err = builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomMember, StateKey: strPtr(testUserID), Content: []byte(`{"membership":"join"}`),
		PrevEvents: []string{create.EventID()}, AuthEvents: []string{create.EventID()}, Depth: 2,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, aliceJoin, api.KindNew).Err())

	bobJoin, err = builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testBobUserID,
		EventType: spec.MRoomMember, StateKey: strPtr(testBobUserID), Content: []byte(`{"membership":"join"}`),
		PrevEvents: []string{aliceJoin.EventID()}, AuthEvents: []string{create.EventID()}, Depth: 3,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, bobJoin, api.KindNew).Err())
	return create, aliceJoin, bobJoin
}

// TestInputerSoftFailsMessageAfterSenderLeft covers §8 S5: a message
// whose own declared auth_events still show the sender as joined (a
// stale view, the federation-race shape soft-fail exists for) hard-auths
// successfully but soft-fails once checked against the room's current
// state, which by the time this event is processed already reflects the
// sender's leave.
func TestInputerSoftFailsMessageAfterSenderLeft(t *testing.T) {
	inp, builder, db := newTestInputer(t)
	create, aliceJoin, bobJoin := buildJoinedRoom(t, inp, builder)

	aliceLeave, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomMember, StateKey: strPtr(testUserID), Content: []byte(`{"membership":"leave"}`),
		PrevEvents: []string{bobJoin.EventID()}, AuthEvents: []string{create.EventID(), aliceJoin.EventID()}, Depth: 4,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, aliceLeave, api.KindNew).Err())

	// message declares the stale aliceJoin event as its membership
	// auth_event, even though aliceLeave has since committed and become
	// the room's current state.
	message, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: "m.room.message", Content: []byte(`{"body":"hi"}`),
		PrevEvents: []string{aliceLeave.EventID()}, AuthEvents: []string{create.EventID(), aliceJoin.EventID()}, Depth: 5,
	})
	require.NoError(t, err)

	res := submit(t, inp, message, api.KindNew)
	require.NoError(t, res.Err())
	require.False(t, res.NotAllowed, "hard auth against the event's own (stale) auth_events should still pass")

	stored, err := db.GetEvent(context.Background(), message.EventID())
	require.NoError(t, err)
	require.True(t, stored.Metadata.SoftFailed, "soft auth against current state should have failed")
}

// TestInputerRedactionBySameSenderStrips covers half of §8 S6: a sender
// redacting their own event always succeeds regardless of power level.
func TestInputerRedactionBySameSenderStrips(t *testing.T) {
	inp, builder, db := newTestInputer(t)
	create, aliceJoin, bobJoin := buildJoinedRoom(t, inp, builder)

	message, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: "m.room.message", Content: []byte(`{"body":"hi"}`),
		PrevEvents: []string{bobJoin.EventID()}, AuthEvents: []string{create.EventID(), aliceJoin.EventID()}, Depth: 4,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, message, api.KindNew).Err())

	redaction, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomRedaction, Content: []byte(`{"reason":"oops"}`), Redacts: message.EventID(),
		PrevEvents: []string{message.EventID()}, AuthEvents: []string{create.EventID(), aliceJoin.EventID()}, Depth: 5,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, redaction, api.KindNew).Err())

	stored, err := db.GetEvent(context.Background(), message.EventID())
	require.NoError(t, err)
	require.True(t, stored.Metadata.IsRedacted)
}

// TestInputerRedactionByOtherUserWithoutPowerIsIgnored covers the other
// half of §8 S6: without a power_levels event granting redact rights,
// one user cannot redact another's event.
func TestInputerRedactionByOtherUserWithoutPowerIsIgnored(t *testing.T) {
	inp, builder, db := newTestInputer(t)
	create, aliceJoin, bobJoin := buildJoinedRoom(t, inp, builder)

	message, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testBobUserID,
		EventType: "m.room.message", Content: []byte(`{"body":"hi"}`),
		PrevEvents: []string{bobJoin.EventID()}, AuthEvents: []string{create.EventID(), bobJoin.EventID()}, Depth: 4,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, message, api.KindNew).Err())

	redaction, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testUserID,
		EventType: spec.MRoomRedaction, Content: []byte(`{"reason":"not yours"}`), Redacts: message.EventID(),
		PrevEvents: []string{message.EventID()}, AuthEvents: []string{create.EventID(), aliceJoin.EventID()}, Depth: 5,
	})
	require.NoError(t, err)
	require.NoError(t, submit(t, inp, redaction, api.KindNew).Err())

	stored, err := db.GetEvent(context.Background(), message.EventID())
	require.NoError(t, err)
	require.False(t, stored.Metadata.IsRedacted, "no power_levels event exists, so a cross-user redaction must be denied")
}

// unreachableFederationClient satisfies dag.FederationClient, failing
// every call so FillMissing gives up on an ancestor instead of fetching
// it — the deliberately-unfetchable-ancestor shape §8 S3 needs.
type unreachableFederationClient struct{}

func (unreachableFederationClient) GetEvent(context.Context, spec.ServerName, string, gomatrixserverlib.RoomVersion) (gomatrixserverlib.PDU, error) {
	return nil, errors.New("unreachable")
}
func (unreachableFederationClient) GetMissingEvents(context.Context, spec.ServerName, string, []string, []string, int, gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error) {
	return nil, errors.New("unreachable")
}
func (unreachableFederationClient) Backfill(context.Context, spec.ServerName, string, int, []string, gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error) {
	return nil, errors.New("unreachable")
}
func (unreachableFederationClient) LookupState(context.Context, spec.ServerName, string, string, gomatrixserverlib.RoomVersion) (fclient.RespState, error) {
	return fclient.RespState{}, errors.New("unreachable")
}
func (unreachableFederationClient) LookupStateIDs(context.Context, spec.ServerName, string, string) (fclient.RespStateIDs, error) {
	return fclient.RespStateIDs{}, errors.New("unreachable")
}

// TestInputerRecordsTimelineGapForUnresolvableAncestor covers §8 S3: an
// event citing a prev_event no destination will hand over still
// commits (its other, resolvable parent carries it), but leaves behind
// a timeline_gap recorded against its own (sn, event_id) rather than
// the missing ancestor's, so a client's next sync can surface it as
// `limited`.
func TestInputerRecordsTimelineGapForUnresolvableAncestor(t *testing.T) {
	inp, builder, db := newTestInputer(t)
	inp.Walker = dag.NewWalker(db, unreachableFederationClient{}, inp.Caches, 4)
	inp.Destinations = func(roomID string) []spec.ServerName { return []spec.ServerName{"remote.example.org"} }

	create, aliceJoin, bobJoin := buildJoinedRoom(t, inp, builder)
	_ = aliceJoin

	message, err := builder.Build(context.Background(), signing.BuildParams{
		RoomID: testRoomID, RoomVersion: gomatrixserverlib.RoomVersionV4, SenderID: testBobUserID,
		EventType: "m.room.message", Content: []byte(`{"body":"hi"}`),
		PrevEvents: []string{bobJoin.EventID(), "$missing-ancestor:example.org"},
		AuthEvents: []string{create.EventID(), bobJoin.EventID()}, Depth: 4,
	})
	require.NoError(t, err)

	res := submit(t, inp, message, api.KindNew)
	require.NoError(t, res.Err())

	gaps, err := db.TimelineGaps(context.Background(), testRoomID)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, message.EventID(), gaps[0].EventID)
}

func strPtr(s string) *string { return &s }
