// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input is C6: the per-room event pipeline. Every event —
// local or federated — passes through the same phase machine
// (Received → Validated → AncestorsResolved → Authorized →
// StateComputed → Committed → Published), serialized per room so
// concurrent sends into the same room never race each other while
// different rooms proceed fully in parallel (spec §4.6, §5), the same
// room-keyed actor shape dendrite's roomserver/internal/input package
// builds over NATS JetStream.
package input

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/internal/config"
	"github.com/matrix-core/roomengine/internal/errs"
	"github.com/matrix-core/roomengine/roomserver/api"
	"github.com/matrix-core/roomengine/roomserver/auth"
	"github.com/matrix-core/roomengine/roomserver/dag"
	"github.com/matrix-core/roomengine/roomserver/signing"
	"github.com/matrix-core/roomengine/roomserver/state"
	"github.com/matrix-core/roomengine/roomserver/storage"
	"github.com/matrix-core/roomengine/roomserver/types"
)

// Notifier is C9's publish side, called once per committed,
// non-soft-failed event (spec §4.9).
type Notifier interface {
	Publish(roomID string, sn int64, eventID string, membershipChanges []MembershipChange)
}

// MembershipChange is one (user, new membership) pair a committed
// m.room.member event produced, surfaced to C9 so sync can fan it out
// without re-parsing the event content.
type MembershipChange struct {
	UserID     string
	Membership string
}

// Inputer owns C6: the phase machine plus its collaborators (spec
// §4.6's control-flow list — C3 validates, C4 authorizes, C5 resolves
// state, C7 fills gaps, C1/C2 persist, C9 publishes).
type Inputer struct {
	DB        storage.Database
	Validator *signing.Validator
	Auth      *auth.Engine
	Resolver  *state.Resolver
	Walker    *dag.Walker
	Caches    *caching.Caches
	Cfg       *config.RoomServer
	Notifier  Notifier

	// Destinations resolves which remote servers C7 should try when
	// filling a gap for a given room; nil disables federation fetch
	// (local-only deployments, and most tests).
	Destinations func(roomID string) []spec.ServerName

	JetStream  jetstream.JetStream
	NATSClient *nats.Conn

	// Log receives one entry per processed event, tagged with a fresh
	// correlation id so a federated PDU's AncestorsResolved fetches can
	// be traced back to the Committed/Published lines they produced.
	// Defaults to the standard logger if nil.
	Log *logrus.Entry

	roomMus sync.Map // roomID string -> *sync.Mutex
}

func (inp *Inputer) log() *logrus.Entry {
	if inp.Log != nil {
		return inp.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

var _ api.RoomEventInputAPI = (*Inputer)(nil)

func (inp *Inputer) roomMutex(roomID string) *sync.Mutex {
	v, _ := inp.roomMus.LoadOrStore(roomID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InputRoomEvents implements api.RoomEventInputAPI. Asynchronous
// requests are published onto the room's JetStream subject and
// processed by Start's consumer loop; synchronous ones are run inline
// under the room's mutex so the caller observes the result directly.
func (inp *Inputer) InputRoomEvents(ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse) {
	for _, ire := range req.InputRoomEvents {
		if req.Asynchronous {
			if err := inp.publish(ctx, ire); err != nil {
				res.ErrMsg = err.Error()
				return
			}
			continue
		}
		eventID, notAllowed, err := inp.processLocked(ctx, ire)
		if err != nil {
			res.ErrMsg = err.Error()
			return
		}
		res.EventID = eventID
		res.NotAllowed = notAllowed
	}
}

func (inp *Inputer) subjectFor(roomID string) string {
	return inp.Cfg.Matrix.JetStream.TopicPrefix + ".ROOMINPUT." + roomID
}

// publish hands an event to the room's actor queue rather than
// processing it on the caller's goroutine, so a burst of events for a
// busy room queues instead of contending for the room mutex directly.
// The per-room stream has no length limit.
func (inp *Inputer) publish(ctx context.Context, ire api.InputRoomEvent) error {
	if inp.JetStream == nil {
		_, _, err := inp.processLocked(ctx, ire)
		return err
	}
	payload, err := marshalInputEvent(ire)
	if err != nil {
		return err
	}
	_, err = inp.JetStream.Publish(ctx, inp.subjectFor(ire.RoomID), payload)
	return err
}

// Start creates roomID's stream if it does not exist yet (see
// ensureStream), subscribes one durable consumer to it and processes
// deliveries serially, the asynchronous half of InputRoomEvents. Each
// call serves one room; publish does not create streams.
func (inp *Inputer) Start(ctx context.Context, roomID string) error {
	if inp.JetStream == nil {
		return nil
	}
	stream, err := inp.ensureStream(ctx, roomID)
	if err != nil {
		return err
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "roomengine-input-" + roomID,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: inp.subjectFor(roomID),
	})
	if err != nil {
		return err
	}
	_, err = consumer.Consume(func(msg jetstream.Msg) {
		ire, err := unmarshalInputEvent(msg.Data())
		if err == nil {
			_, _, _ = inp.processLocked(ctx, ire)
		}
		_ = msg.Ack()
	})
	return err
}

func (inp *Inputer) ensureStream(ctx context.Context, roomID string) (jetstream.Stream, error) {
	name := "ROOMINPUT_" + streamSafe(roomID)
	stream, err := inp.JetStream.Stream(ctx, name)
	if err == nil {
		return stream, nil
	}
	return inp.JetStream.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{inp.subjectFor(roomID)},
		Retention: jetstream.WorkQueuePolicy,
	})
}

func streamSafe(roomID string) string {
	out := make([]byte, 0, len(roomID))
	for _, r := range roomID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// processLocked serializes per-room processing (spec §5's room-sharded
// actor pattern) and runs the phase machine for one event.
func (inp *Inputer) processLocked(ctx context.Context, ire api.InputRoomEvent) (eventID string, notAllowed bool, err error) {
	mu := inp.roomMutex(ire.RoomID)
	mu.Lock()
	defer mu.Unlock()
	return inp.process(ctx, ire)
}

func (inp *Inputer) process(ctx context.Context, ire api.InputRoomEvent) (string, bool, error) {
	corrID := uuid.NewString()
	log := inp.log().WithFields(logrus.Fields{"room_id": ire.RoomID, "correlation_id": corrID})
	log.Debug("received")
	eventID, notAllowed, err := inp.doProcess(ctx, ire, log)
	switch {
	case err != nil:
		log.WithError(err).Warn("processing failed")
	case notAllowed:
		log.WithField("event_id", eventID).Info("rejected")
	default:
		log.WithField("event_id", eventID).Debug("published")
	}
	return eventID, notAllowed, err
}

func (inp *Inputer) doProcess(ctx context.Context, ire api.InputRoomEvent, log *logrus.Entry) (string, bool, error) {
	roomInfo, err := inp.DB.RoomInfo(ctx, ire.RoomID)
	if err != nil {
		return "", false, err
	}

	roomVersion := gomatrixserverlib.RoomVersion("")
	if roomInfo != nil {
		roomVersion = roomInfo.RoomVersion
	} else {
		roomVersion = roomVersionFromCreateEvent(ire.Event)
		if roomVersion == "" {
			return "", false, errors.New("input: unknown room and event does not declare a room version")
		}
	}

	// Received + Validated: shape, hashes, and signatures.
	pdu, err := inp.Validator.Validate(ctx, ire.Event, roomVersion)
	if err != nil {
		return "", false, errors.Wrap(err, "validate")
	}

	// Duplicate event_id is a no-op (spec invariant 1, §4.6 idempotency).
	if existing, err := inp.DB.GetEvent(ctx, pdu.EventID()); err == nil && existing != nil {
		return pdu.EventID(), existing.Metadata.IsRejected, nil
	}

	if ire.TxnID != "" {
		if prior, ok, err := inp.DB.LookupIdempotentTxn(ctx, ire.UserID, ire.DeviceID, ire.RoomID, ire.TxnID); err == nil && ok {
			return prior, false, nil
		}
	}

	roomNID := int64(0)
	if roomInfo != nil {
		roomNID = roomInfo.RoomNID
	} else {
		roomNID, err = inp.DB.UpsertRoomNID(ctx, ire.RoomID, string(roomVersion))
		if err != nil {
			return "", false, err
		}
	}

	fetch := inp.fetcher()

	if ire.Kind == api.KindOutlier {
		_, _, err := inp.DB.PutEvent(ctx, roomNID, ire.RoomID, pdu.JSON(), pdu.EventID(), pdu.Depth(), 0, nil, storage.PutEventFlags{IsOutlier: true})
		return pdu.EventID(), false, err
	}

	// AncestorsResolved: fill whatever this server doesn't hold yet.
	var gapEventID string
	want := append(append([]string{}, pdu.AuthEventIDs()...), pdu.PrevEventIDs()...)
	if missing := inp.filterMissing(ctx, want); len(missing) > 0 && inp.Walker != nil {
		log.WithField("missing", len(missing)).Debug("filling ancestors")
		destinations := inp.destinationsFor(ire, pdu)
		unresolved, err := inp.Walker.FillMissing(ctx, ire.RoomID, roomVersion, destinations, pdu, func(ctx context.Context, outlier gomatrixserverlib.PDU) error {
			_, _, err := inp.DB.PutEvent(ctx, roomNID, ire.RoomID, outlier.JSON(), outlier.EventID(), outlier.Depth(), 0, nil, storage.PutEventFlags{IsOutlier: true})
			return err
		})
		if err != nil {
			return "", false, err
		}
		for _, id := range unresolved {
			_ = inp.DB.AddBackwardExtremity(ctx, roomNID, id)
		}
		// The gap is recorded against X's own (sn, event_id) once X
		// commits below, not the unresolved ancestor's — sync needs to
		// correlate the gap to the stream position it was observed at
		// (spec §4.2, §8 S3), and X has no sn until PutEvent allocates one.
		if len(unresolved) > 0 {
			gapEventID = pdu.EventID()
		}
	}

	// Authorized: hard auth against the state the candidate itself declares.
	authState, err := inp.stateFromEventIDs(ctx, fetch, pdu.AuthEventIDs())
	if err != nil {
		authState, err = inp.resolveAuthStateViaFederation(ctx, roomNID, ire, pdu, roomVersion, log)
		if err != nil {
			return inp.rejectMissingAncestors(ctx, roomNID, ire, pdu, err)
		}
	}
	verdict := inp.Auth.HardAuth(ctx, pdu, authState, roomVersion, fetch)
	if !verdict.Allowed {
		_, _, err := inp.DB.PutEvent(ctx, roomNID, ire.RoomID, pdu.JSON(), pdu.EventID(), pdu.Depth(), 0, pdu.PrevEventIDs(), storage.PutEventFlags{
			IsRejected: true, RejectionReason: verdict.Reason,
		})
		return pdu.EventID(), true, err
	}

	// Soft auth against the room's current resolved state, evaluated
	// before this event's own frame exists.
	softFailed := false
	if roomInfo != nil && roomInfo.StateSnapshotNID != 0 {
		currentState, err := inp.Resolver.Materialize(ctx, roomInfo.StateSnapshotNID)
		if err == nil {
			sv := inp.Auth.SoftAuth(ctx, pdu, currentState, roomVersion, fetch)
			softFailed = !sv.Allowed
		}
	}

	// StateComputed.
	parentFrames := inp.parentFrames(ctx, pdu.PrevEventIDs())
	newFrame, err := inp.Resolver.ResolveAtEvent(ctx, roomNID, roomVersion, parentFrames, pdu, fetch)
	if err != nil {
		return "", false, errors.Wrap(err, "resolve state")
	}

	// Committed.
	sn, _, err := inp.DB.PutEvent(ctx, roomNID, ire.RoomID, pdu.JSON(), pdu.EventID(), pdu.Depth(), newFrame, pdu.PrevEventIDs(), storage.PutEventFlags{
		SoftFailed: softFailed,
	})
	if err != nil {
		return "", false, err
	}
	if err := inp.DB.SetRoomStateSnapshot(ctx, roomNID, newFrame); err != nil {
		return "", false, err
	}
	if inp.Walker != nil {
		_ = inp.Walker.UpdateExtremities(ctx, roomNID, pdu)
	}
	if ire.TxnID != "" {
		_ = inp.DB.RecordIdempotentTxn(ctx, ire.UserID, ire.DeviceID, ire.RoomID, ire.TxnID, pdu.EventID())
	}
	if gapEventID != "" {
		_ = inp.DB.InsertTimelineGap(ctx, ire.RoomID, sn, gapEventID)
	}

	if pdu.Type() == spec.MRoomRedaction {
		inp.applyRedaction(ctx, pdu, newFrame, fetch)
	}

	// Published.
	if !softFailed && inp.Notifier != nil {
		inp.Notifier.Publish(ire.RoomID, sn, pdu.EventID(), membershipChangesOf(pdu))
	}

	return pdu.EventID(), false, nil
}

// fetcher adapts the event store into the EventFetcher shape C4 and
// C5 both expect.
func (inp *Inputer) fetcher() func(ctx context.Context, eventID string) (gomatrixserverlib.PDU, error) {
	return func(ctx context.Context, eventID string) (gomatrixserverlib.PDU, error) {
		ev, err := inp.DB.GetEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (inp *Inputer) filterMissing(ctx context.Context, ids []string) []string {
	var missing []string
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := inp.DB.GetEvent(ctx, id); err != nil {
			missing = append(missing, id)
		}
	}
	return missing
}

func (inp *Inputer) destinationsFor(ire api.InputRoomEvent, pdu gomatrixserverlib.PDU) []spec.ServerName {
	var dests []spec.ServerName
	if ire.Origin != "" {
		dests = append(dests, ire.Origin)
	}
	if origin := pdu.Origin(); origin != "" && origin != ire.Origin {
		dests = append(dests, origin)
	}
	if inp.Destinations != nil {
		dests = append(dests, inp.Destinations(ire.RoomID)...)
	}
	return dests
}

// stateFromEventIDs materializes a (type, state_key) -> event_id map
// directly from a set of state events, the shape C4's hard-auth check
// needs against a candidate's declared auth_events (spec §4.4).
func (inp *Inputer) stateFromEventIDs(ctx context.Context, fetch func(context.Context, string) (gomatrixserverlib.PDU, error), eventIDs []string) (map[types.StateKeyTuple]string, error) {
	out := make(map[types.StateKeyTuple]string, len(eventIDs))
	for _, id := range eventIDs {
		ev, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if ev.StateKey() == nil {
			continue
		}
		out[types.StateKeyTuple{EventType: ev.Type(), StateKey: *ev.StateKey()}] = ev.EventID()
	}
	return out, nil
}

func (inp *Inputer) parentFrames(ctx context.Context, prevEventIDs []string) []types.StateSnapshotNID {
	var frames []types.StateSnapshotNID
	for _, id := range prevEventIDs {
		ev, err := inp.DB.GetEvent(ctx, id)
		if err != nil || ev.Metadata.StateSnapshotNID == 0 {
			continue
		}
		frames = append(frames, ev.Metadata.StateSnapshotNID)
	}
	return frames
}

// applyRedaction implements spec §4.6's redaction handling plus its
// §4.4 supplement: a redaction targeting the sender's own event is
// always honored; a redaction targeting someone else's event strips
// the target's content only when the sender's power level meets the
// room's redact level, evaluated against the state this event just
// resolved into (auth.UserCanRedact).
func (inp *Inputer) applyRedaction(ctx context.Context, redaction gomatrixserverlib.PDU, frame types.StateSnapshotNID, fetch func(context.Context, string) (gomatrixserverlib.PDU, error)) {
	targetID := redaction.Redacts()
	if targetID == "" || targetID == redaction.EventID() {
		return
	}
	target, err := inp.DB.GetEvent(ctx, targetID)
	if err != nil {
		return
	}
	if target.RoomID().String() != redaction.RoomID().String() {
		return
	}

	if string(redaction.SenderID()) != string(target.SenderID()) {
		var powerLevels []byte
		if frame != 0 {
			if materialized, err := inp.Resolver.Materialize(ctx, frame); err == nil {
				if plID, ok := materialized[types.StateKeyTuple{EventType: spec.MRoomPowerLevels}]; ok {
					if pl, err := fetch(ctx, plID); err == nil {
						powerLevels = pl.Content()
					}
				}
			}
		}
		if !auth.UserCanRedact(string(redaction.SenderID()), string(target.SenderID()), powerLevels) {
			return
		}
	}

	redacted, err := signing.Redact(target.JSON(), target.Type())
	if err != nil {
		return
	}
	_ = inp.DB.RedactEvent(ctx, targetID, redacted)
}

// resolveAuthStateViaFederation is the last-resort path spec §4.7
// reserves for /state_ids, /state: tried once the incremental ancestor
// walk still leaves one of candidate's declared auth_events
// unresolved.
func (inp *Inputer) resolveAuthStateViaFederation(ctx context.Context, roomNID int64, ire api.InputRoomEvent, pdu gomatrixserverlib.PDU, roomVersion gomatrixserverlib.RoomVersion, log *logrus.Entry) (map[types.StateKeyTuple]string, error) {
	if inp.Walker == nil {
		return nil, errors.New("input: no dag walker configured")
	}
	destinations := inp.destinationsFor(ire, pdu)
	stateEvents, err := inp.Walker.StateAt(ctx, ire.RoomID, roomVersion, destinations, pdu.EventID(), func(ctx context.Context, outlier gomatrixserverlib.PDU) error {
		_, _, err := inp.DB.PutEvent(ctx, roomNID, ire.RoomID, outlier.JSON(), outlier.EventID(), outlier.Depth(), 0, nil, storage.PutEventFlags{IsOutlier: true})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.WithField("state_events", len(stateEvents)).Info("resolved auth state via federation state lookup")

	out := make(map[types.StateKeyTuple]string, len(stateEvents))
	for _, ev := range stateEvents {
		if ev.StateKey() == nil {
			continue
		}
		out[types.StateKeyTuple{EventType: ev.Type(), StateKey: *ev.StateKey()}] = ev.EventID()
	}
	return out, nil
}

// rejectMissingAncestors downgrades a candidate to local rejection when
// its auth_events remain unresolved even after the ancestor walk and
// the federation state fallback both ran out of options — spec §7's
// AncestorsMissing exhaustion path, recorded as is_rejected=true rather
// than dropped silently.
func (inp *Inputer) rejectMissingAncestors(ctx context.Context, roomNID int64, ire api.InputRoomEvent, pdu gomatrixserverlib.PDU, cause error) (string, bool, error) {
	for _, id := range pdu.AuthEventIDs() {
		if _, err := inp.DB.GetEvent(ctx, id); err != nil {
			_ = inp.DB.AddBackwardExtremity(ctx, roomNID, id)
		}
	}
	rejection := errs.Wrap(errs.AncestorsMissing, cause, "auth_events unresolved after ancestor walk and federation state fallback")
	_, _, err := inp.DB.PutEvent(ctx, roomNID, ire.RoomID, pdu.JSON(), pdu.EventID(), pdu.Depth(), 0, pdu.PrevEventIDs(), storage.PutEventFlags{
		IsRejected:      true,
		RejectionReason: rejection.Error(),
	})
	return pdu.EventID(), true, err
}

func membershipChangesOf(pdu gomatrixserverlib.PDU) []MembershipChange {
	if pdu.Type() != spec.MRoomMember || pdu.StateKey() == nil {
		return nil
	}
	membership := gjson.GetBytes(pdu.Content(), "membership").String()
	if membership == "" {
		return nil
	}
	return []MembershipChange{{UserID: *pdu.StateKey(), Membership: membership}}
}

func roomVersionFromCreateEvent(raw spec.RawJSON) gomatrixserverlib.RoomVersion {
	if gjson.GetBytes(raw, "type").String() != spec.MRoomCreate {
		return ""
	}
	v := gjson.GetBytes(raw, "content.room_version").String()
	if v == "" {
		v = "1"
	}
	return gomatrixserverlib.RoomVersion(v)
}
