// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier is C9: it turns a committed, non-soft-failed event
// into wakeups for every sync long-poll waiting on that room, and
// records device-targeted EDUs against their own sn so a client can
// advance a single cursor across timeline, receipts, and typing (spec
// §4.9).
package notifier

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrix-core/roomengine/roomserver/input"
)

// RoomUpdate is what one Publish call delivers to every waiter
// subscribed to the room it names.
type RoomUpdate struct {
	RoomID            string
	SN                int64
	EventID           string
	MembershipChanges []input.MembershipChange
}

// waiter is a single sync long-poll's subscription: it wakes once SN
// observes anything newer than Since. fire is guarded by a sync.Once
// because both the in-process Publish path and, when NATSConn is set,
// an independent NATS subscription goroutine may try to wake the same
// waiter for the same publish.
type waiter struct {
	since int64
	ch    chan struct{}
	once  sync.Once
}

func (w *waiter) fire() {
	w.once.Do(func() { close(w.ch) })
}

// wireUpdate is the payload published to NATS core so that a notifier
// instance in another process learns of a commit this instance's own
// Publish call observed (spec §4.9's fanout extended across C9
// instances, mirroring the subject-per-room scheme C6's JetStream
// input subjects already use for ROOMINPUT).
type wireUpdate struct {
	SN      int64  `json:"sn"`
	EventID string `json:"event_id"`
}

// Notifier fans committed events out to in-memory waiters keyed by
// room, and tracks each room's latest sn so a newly arriving waiter
// can tell immediately whether it has already missed the update it's
// asking about. When NATSConn is set, Publish additionally broadcasts
// over NATS core pub/sub and WaitForUpdate additionally subscribes to
// it, so waiters blocked on a different roomserver instance than the
// one that committed the event still wake (spec §4.9, C9 fanout).
type Notifier struct {
	mu          sync.Mutex
	latestSN    map[string]int64
	waiters     map[string][]*waiter
	userRooms   map[string]map[string]struct{} // userID -> set of room IDs they're joined to
	deviceInbox map[string][]DeviceMessage      // "user\x00device" -> queued messages

	// NATSConn, when non-nil, backs cross-process fanout. TopicPrefix
	// namespaces subjects the same way Matrix.JetStream.TopicPrefix
	// does for C6's input subjects.
	NATSConn    *nats.Conn
	TopicPrefix string
	Log         *logrus.Entry
}

func New() *Notifier {
	return &Notifier{
		latestSN:    make(map[string]int64),
		waiters:     make(map[string][]*waiter),
		userRooms:   make(map[string]map[string]struct{}),
		deviceInbox: make(map[string][]DeviceMessage),
	}
}

func (n *Notifier) log() *logrus.Entry {
	if n.Log != nil {
		return n.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (n *Notifier) subjectFor(roomID string) string {
	return n.TopicPrefix + ".ROOMNOTIFY." + roomID
}

var _ input.Notifier = (*Notifier)(nil)

// Publish implements input.Notifier. It is called once per committed,
// non-soft-failed event, after C1 has durably written it (spec §4.9).
func (n *Notifier) Publish(roomID string, sn int64, eventID string, membershipChanges []input.MembershipChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sn > n.latestSN[roomID] {
		n.latestSN[roomID] = sn
	}
	for _, mc := range membershipChanges {
		n.trackMembership(roomID, mc)
	}

	remaining := n.waiters[roomID][:0]
	for _, w := range n.waiters[roomID] {
		if sn > w.since {
			w.fire()
			continue
		}
		remaining = append(remaining, w)
	}
	n.waiters[roomID] = remaining

	if n.NATSConn != nil {
		payload, err := json.Marshal(wireUpdate{SN: sn, EventID: eventID})
		if err != nil {
			n.log().WithError(err).Warn("notifier: failed to marshal wire update")
			return
		}
		if err := n.NATSConn.Publish(n.subjectFor(roomID), payload); err != nil {
			n.log().WithError(err).WithField("room_id", roomID).Warn("notifier: failed to publish wire update")
		}
	}
}

func (n *Notifier) trackMembership(roomID string, mc input.MembershipChange) {
	rooms, ok := n.userRooms[mc.UserID]
	if !ok {
		rooms = make(map[string]struct{})
		n.userRooms[mc.UserID] = rooms
	}
	switch mc.Membership {
	case "join", "invite":
		rooms[roomID] = struct{}{}
	case "leave", "ban":
		delete(rooms, roomID)
	}
}

// WaitForUpdate returns a channel that is closed once roomID has an sn
// greater than since (already closed if it has one now). It does not
// block and takes no context; the caller selects on the channel. This
// is the primitive sync long-polling builds on (spec §6's sync
// contract, keyed by (user, since_sn) through RoomsForUser).
func (n *Notifier) WaitForUpdate(roomID string, since int64) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{})
	if n.latestSN[roomID] > since {
		close(ch)
		return ch
	}
	w := &waiter{since: since, ch: ch}
	n.waiters[roomID] = append(n.waiters[roomID], w)

	if n.NATSConn != nil {
		sub, err := n.NATSConn.Subscribe(n.subjectFor(roomID), func(msg *nats.Msg) {
			var update wireUpdate
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				return
			}
			if update.SN > since {
				w.fire()
			}
		})
		if err != nil {
			n.log().WithError(err).WithField("room_id", roomID).Warn("notifier: failed to subscribe for cross-process wakeup")
		} else {
			go func() {
				<-ch
				_ = sub.Unsubscribe()
			}()
		}
	}

	return ch
}

// RoomsForUser reports which rooms a user currently appears joined or
// invited to, as tracked purely from membership events this notifier
// has observed since startup.
func (n *Notifier) RoomsForUser(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	rooms := n.userRooms[userID]
	out := make([]string, 0, len(rooms))
	for r := range rooms {
		out = append(out, r)
	}
	return out
}

// CurrentSN returns the latest sn this notifier has observed for
// roomID, 0 if none yet.
func (n *Notifier) CurrentSN(roomID string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latestSN[roomID]
}

// DeviceMessage is one EDU routed to a specific (user, device), kept
// ordered by its own sn so a client's to-device cursor advances
// independently of any room's stream_ordering (spec §4.9).
type DeviceMessage struct {
	SN      int64
	Type    string
	Sender  string
	Content []byte
}

// PublishToDevice appends msg to userID/deviceID's inbox. It wakes no
// waiter, and its sn argument is not used. The inbox itself is kept
// in-memory here; a deployment that needs delivery to survive a
// restart backs this with federationapi's durable EDU path instead
// (spec §4.9 names device_inboxes as persistent, which this core
// treats as C9's collaborator surface rather than its own storage).
func (n *Notifier) PublishToDevice(userID, deviceID string, sn int64, msg DeviceMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := userID + "\x00" + deviceID
	n.deviceInbox[key] = append(n.deviceInbox[key], msg)
}

// DeviceInboxSince returns every DeviceMessage queued for
// (userID, deviceID) with sn greater than since.
func (n *Notifier) DeviceInboxSince(userID, deviceID string, since int64) []DeviceMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := userID + "\x00" + deviceID
	var out []DeviceMessage
	for _, m := range n.deviceInbox[key] {
		if m.SN > since {
			out = append(out, m)
		}
	}
	return out
}
