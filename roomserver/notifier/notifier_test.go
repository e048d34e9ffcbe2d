// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrix-core/roomengine/roomserver/input"
)

func TestWaitForUpdateWakesOnPublish(t *testing.T) {
	n := New()
	ch := n.WaitForUpdate("!room:example.org", 0)

	select {
	case <-ch:
		t.Fatal("waiter woke before any publish")
	case <-time.After(10 * time.Millisecond):
	}

	n.Publish("!room:example.org", 1, "$event1", nil)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake after publish")
	}
}

func TestWaitForUpdateReturnsImmediatelyWhenAlreadyPast(t *testing.T) {
	n := New()
	n.Publish("!room:example.org", 5, "$event1", nil)

	ch := n.WaitForUpdate("!room:example.org", 2)
	select {
	case <-ch:
	default:
		t.Fatal("waiter should have fired immediately for a stale since")
	}
}

func TestCurrentSNTracksLatestPublish(t *testing.T) {
	n := New()
	require.Zero(t, n.CurrentSN("!room:example.org"))
	n.Publish("!room:example.org", 3, "$a", nil)
	n.Publish("!room:example.org", 7, "$b", nil)
	n.Publish("!room:example.org", 4, "$c", nil)
	require.Equal(t, int64(7), n.CurrentSN("!room:example.org"))
}

func TestRoomsForUserTracksMembership(t *testing.T) {
	n := New()
	n.Publish("!room1:example.org", 1, "$join", []input.MembershipChange{
		{UserID: "@alice:example.org", Membership: "join"},
	})
	n.Publish("!room2:example.org", 1, "$invite", []input.MembershipChange{
		{UserID: "@alice:example.org", Membership: "invite"},
	})
	require.ElementsMatch(t, []string{"!room1:example.org", "!room2:example.org"}, n.RoomsForUser("@alice:example.org"))

	n.Publish("!room1:example.org", 2, "$leave", []input.MembershipChange{
		{UserID: "@alice:example.org", Membership: "leave"},
	})
	require.Equal(t, []string{"!room2:example.org"}, n.RoomsForUser("@alice:example.org"))
}

func TestDeviceInboxRoundTrips(t *testing.T) {
	n := New()
	n.PublishToDevice("@alice:example.org", "DEVICE1", 1, DeviceMessage{SN: 1, Type: "m.typing", Sender: "@bob:example.org"})
	n.PublishToDevice("@alice:example.org", "DEVICE1", 2, DeviceMessage{SN: 2, Type: "m.typing", Sender: "@bob:example.org"})

	all := n.DeviceInboxSince("@alice:example.org", "DEVICE1", 0)
	require.Len(t, all, 2)

	onlyLatest := n.DeviceInboxSince("@alice:example.org", "DEVICE1", 1)
	require.Len(t, onlyLatest, 1)
	require.Equal(t, int64(2), onlyLatest[0].SN)

	require.Empty(t, n.DeviceInboxSince("@bob:example.org", "DEVICE1", 0))
}
