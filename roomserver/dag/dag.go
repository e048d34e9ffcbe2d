// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package dag is C7: it walks the event graph to fill gaps the
// pipeline (C6) finds in a candidate's auth_events/prev_events,
// driving the federation client (C8) to fetch ancestors, and maintains
// the forward/backward extremity sets and the auth-chain index that
// the rest of the core relies on to never need an unbounded walk
// (spec §4.7).
package dag

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/internal/errs"
	"github.com/matrix-core/roomengine/roomserver/auth"
	"github.com/matrix-core/roomengine/roomserver/signing"
	"github.com/matrix-core/roomengine/roomserver/storage"
	"github.com/matrix-core/roomengine/roomserver/types"
)

var errNoDestinations = errors.New("dag: no destination returned the requested event")

// FederationClient is the narrow slice of C8 the walker needs to fill
// a gap: batch ancestor lookup, single-event fetch, backfill, and the
// /state_ids, /state fallback for when incremental resolution runs out
// of budget (spec §4.7).
type FederationClient interface {
	GetEvent(ctx context.Context, destination spec.ServerName, eventID string, roomVersion gomatrixserverlib.RoomVersion) (gomatrixserverlib.PDU, error)
	GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int, roomVersion gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error)
	Backfill(ctx context.Context, destination spec.ServerName, roomID string, count int, fromEventIDs []string, roomVersion gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error)
	LookupState(ctx context.Context, destination spec.ServerName, roomID, eventID string, roomVersion gomatrixserverlib.RoomVersion) (fclient.RespState, error)
	LookupStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (fclient.RespStateIDs, error)
}

// PersistOutlier is how the walker hands a fetched ancestor back to
// the pipeline: stored as an outlier (spec §4.6) without running it
// through full auth/state resolution, since its own ancestors may
// still be missing.
type PersistOutlier func(ctx context.Context, pdu gomatrixserverlib.PDU) error

// Walker implements fill_missing and backfill (spec §4.7).
type Walker struct {
	DB          storage.Database
	Fed         FederationClient
	Caches      *caching.Caches
	DepthBudget int

	// Log receives one entry per exhausted fetch and invariant
	// violation. Defaults to the standard logger if nil.
	Log *logrus.Entry
}

func NewWalker(db storage.Database, fed FederationClient, caches *caching.Caches, depthBudget int) *Walker {
	return &Walker{DB: db, Fed: fed, Caches: caches, DepthBudget: depthBudget}
}

func (w *Walker) log() *logrus.Entry {
	if w.Log != nil {
		return w.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// FillMissing walks upward from candidate's auth_events and
// prev_events, fetching whatever this server does not already hold
// from destinations, linearizing the fetched batch with
// lexicographicalTopologicalSort, and persisting each as an outlier via
// persist, until every reference is local or the depth budget is
// exhausted. It returns the event_ids that remain unresolved, which the
// pipeline turns into backward extremities and a timeline_gap marker
// (spec §4.6's AncestorsResolved phase).
func (w *Walker) FillMissing(
	ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion,
	destinations []spec.ServerName, candidate gomatrixserverlib.PDU, persist PersistOutlier,
) ([]string, error) {
	want := append(append([]string{}, candidate.AuthEventIDs()...), candidate.PrevEventIDs()...)
	frontier := w.missingOf(ctx, want)
	if len(frontier) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, w.DepthBudget)
	var unresolved []string
	var fetched []gomatrixserverlib.PDU
	budget := w.DepthBudget

	if batch := w.fetchMissingBatch(ctx, roomID, roomVersion, destinations, candidate.EventID()); len(batch) > 0 {
		for _, pdu := range batch {
			if seen[pdu.EventID()] {
				continue
			}
			seen[pdu.EventID()] = true
			fetched = append(fetched, pdu)
			more := w.missingOf(ctx, append(append([]string{}, pdu.AuthEventIDs()...), pdu.PrevEventIDs()...))
			frontier = append(frontier, more...)
		}
	}

	for len(frontier) > 0 && budget > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		budget--

		if w.Caches.ShouldSkipBadEvent(id) {
			unresolved = append(unresolved, id)
			continue
		}

		pdu, err := w.fetchOne(ctx, roomID, roomVersion, destinations, id)
		if err != nil {
			w.Caches.MarkBadEvent(id)
			unresolved = append(unresolved, id)
			continue
		}
		w.Caches.ClearBadEvent(id)
		fetched = append(fetched, pdu)

		more := w.missingOf(ctx, append(append([]string{}, pdu.AuthEventIDs()...), pdu.PrevEventIDs()...))
		frontier = append(frontier, more...)
	}

	for _, pdu := range lexicographicalTopologicalSort(fetched, w.powerOf) {
		if err := persist(ctx, pdu); err != nil {
			return nil, err
		}
	}

	for _, id := range frontier {
		if !seen[id] {
			unresolved = append(unresolved, id)
		}
	}
	return dedupeStrings(unresolved), nil
}

// fetchMissingBatch tries the cheaper batched get_missing_events call,
// walking back from candidateID to the room's known forward
// extremities, before the per-event BFS below falls back to fetching
// whatever it didn't surface one event at a time.
func (w *Walker) fetchMissingBatch(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion, destinations []spec.ServerName, candidateID string) []gomatrixserverlib.PDU {
	info, err := w.DB.RoomInfo(ctx, roomID)
	if err != nil || info == nil {
		return nil
	}
	fwd, err := w.DB.ForwardExtremities(ctx, info.RoomNID)
	if err != nil || len(fwd) == 0 {
		return nil
	}
	for _, dest := range destinations {
		events, err := w.Fed.GetMissingEvents(ctx, dest, roomID, fwd, []string{candidateID}, w.DepthBudget, roomVersion)
		if err != nil {
			continue
		}
		return events
	}
	return nil
}

// fetchOne fetches a single event directly by id, the fallback for
// whatever fetchMissingBatch's get_missing_events call didn't surface.
// Every candidate PDU is re-verified against its requested id before
// being accepted, since a misbehaving destination could otherwise
// smuggle in an event under the wrong id (spec §7's InvariantViolation
// class).
func (w *Walker) fetchOne(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion, destinations []spec.ServerName, id string) (gomatrixserverlib.PDU, error) {
	var lastErr error
	for _, dest := range destinations {
		pdu, err := w.Fed.GetEvent(ctx, dest, id, roomVersion)
		if err != nil || pdu == nil {
			lastErr = err
			continue
		}
		if verr := signing.VerifyReferenceHash(pdu.JSON(), roomVersion, id); verr != nil {
			errs.ReportInvariantViolation(w.log(), "federation returned event under the wrong id", logrus.Fields{
				"room_id": roomID, "destination": dest, "requested_id": id, "returned_id": pdu.EventID(),
			})
			lastErr = verr
			continue
		}
		return pdu, nil
	}
	if lastErr == nil {
		lastErr = errNoDestinations
	}
	return nil, errs.Wrap(errs.AncestorsMissing, lastErr, "no destination returned "+id)
}

// StateAt fetches the resolved state and auth chain at eventID via
// federation's /state_ids, /state endpoints, the fallback spec §4.7
// reserves for when the incremental ancestor walk exhausts its depth
// budget before every auth_event a candidate declares is locally
// known. LookupStateIDs is tried first so a destination whose answer
// this server already holds in full never pays for the larger
// LookupState round trip.
func (w *Walker) StateAt(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion, destinations []spec.ServerName, eventID string, persist PersistOutlier) ([]gomatrixserverlib.PDU, error) {
	var lastErr error
	for _, dest := range destinations {
		ids, err := w.Fed.LookupStateIDs(ctx, dest, roomID, eventID)
		if err != nil {
			lastErr = err
			continue
		}
		if w.allLocal(ctx, ids.StateEventIDs) && w.allLocal(ctx, ids.AuthEventIDs) {
			return nil, nil
		}

		full, err := w.Fed.LookupState(ctx, dest, roomID, eventID, roomVersion)
		if err != nil {
			lastErr = err
			continue
		}
		stateEvents, err := full.StateEvents.UntrustedEvents(roomVersion)
		if err != nil {
			lastErr = err
			continue
		}
		authEvents, err := full.AuthEvents.UntrustedEvents(roomVersion)
		if err != nil {
			lastErr = err
			continue
		}
		for _, pdu := range append(append([]gomatrixserverlib.PDU{}, authEvents...), stateEvents...) {
			if err := persist(ctx, pdu); err != nil {
				return nil, err
			}
		}
		return stateEvents, nil
	}
	if lastErr == nil {
		lastErr = errNoDestinations
	}
	return nil, errs.Wrap(errs.AncestorsMissing, lastErr, "no destination answered state lookup for "+eventID)
}

func (w *Walker) allLocal(ctx context.Context, ids []string) bool {
	for _, id := range ids {
		if _, err := w.DB.GetEvent(ctx, id); err != nil {
			return false
		}
	}
	return true
}

// powerOf looks up sender's power level from whichever of pdu's
// auth_events is a power_levels event this server already holds, the
// tie-break lexicographicalTopologicalSort needs. An event whose
// power_levels auth_event isn't yet local sorts as power 0.
func (w *Walker) powerOf(pdu gomatrixserverlib.PDU) int64 {
	ctx := context.Background()
	for _, authID := range pdu.AuthEventIDs() {
		ev, err := w.DB.GetEvent(ctx, authID)
		if err != nil || ev.Type() != spec.MRoomPowerLevels {
			continue
		}
		return auth.PowerLevelOf(ev.Content(), string(pdu.SenderID()))
	}
	return 0
}

// lexicographicalTopologicalSort orders pdus so every event follows
// its own locally-known prev_events, breaking ties among events with
// no ordering constraint between them by (power, timestamp, event_id)
// — the same tie-break dendrite's state package and conduwuit's DAG
// walker use when linearizing a batch of fetched ancestors before
// replay (spec §4.7 supplement).
func lexicographicalTopologicalSort(pdus []gomatrixserverlib.PDU, powerOf func(gomatrixserverlib.PDU) int64) []gomatrixserverlib.PDU {
	if len(pdus) == 0 {
		return nil
	}
	byID := make(map[string]gomatrixserverlib.PDU, len(pdus))
	for _, p := range pdus {
		byID[p.EventID()] = p
	}
	indegree := make(map[string]int, len(pdus))
	children := make(map[string][]string, len(pdus))
	for _, p := range pdus {
		for _, prev := range p.PrevEventIDs() {
			if _, ok := byID[prev]; ok {
				indegree[p.EventID()]++
				children[prev] = append(children[prev], p.EventID())
			}
		}
	}

	less := func(a, b string) bool {
		pa, pb := byID[a], byID[b]
		pwa, pwb := powerOf(pa), powerOf(pb)
		if pwa != pwb {
			return pwa > pwb
		}
		if pa.OriginServerTS() != pb.OriginServerTS() {
			return pa.OriginServerTS() < pb.OriginServerTS()
		}
		return a < b
	}

	var ready []string
	for _, p := range pdus {
		if indegree[p.EventID()] == 0 {
			ready = append(ready, p.EventID())
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	out := make([]gomatrixserverlib.PDU, 0, len(pdus))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])

		next := append([]string(nil), children[id]...)
		sort.Strings(next)
		for _, c := range next {
			indegree[c]--
			if indegree[c] != 0 {
				continue
			}
			pos := sort.Search(len(ready), func(i int) bool { return less(c, ready[i]) })
			ready = append(ready, "")
			copy(ready[pos+1:], ready[pos:])
			ready[pos] = c
		}
	}

	if len(out) != len(pdus) {
		seen := make(map[string]bool, len(out))
		for _, p := range out {
			seen[p.EventID()] = true
		}
		var rest []gomatrixserverlib.PDU
		for _, p := range pdus {
			if !seen[p.EventID()] {
				rest = append(rest, p)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].EventID() < rest[j].EventID() })
		out = append(out, rest...)
	}
	return out
}

// Backfill fetches up to limit events older than token's frontier for
// a client-facing pagination request, trying destinations in order
// until one answers (spec §4.7's backfill(room, token, limit)).
func (w *Walker) Backfill(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion, destinations []spec.ServerName, fromEventIDs []string, limit int) ([]gomatrixserverlib.PDU, error) {
	var lastErr error
	for _, dest := range destinations {
		pdus, err := w.Fed.Backfill(ctx, dest, roomID, limit, fromEventIDs, roomVersion)
		if err == nil {
			return pdus, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errNoDestinations
	}
	return nil, lastErr
}

// missingOf filters ids down to those not already persisted locally.
func (w *Walker) missingOf(ctx context.Context, ids []string) []string {
	var missing []string
	for _, id := range dedupeStrings(ids) {
		if id == "" {
			continue
		}
		if _, err := w.DB.GetEvent(ctx, id); err != nil {
			missing = append(missing, id)
		}
	}
	return missing
}

// UpdateExtremities applies the two backward-extremity rules for one
// newly committed non-outlier event E: E stops being a backward
// extremity, and each prev_event not held locally as a non-outlier
// becomes one. The forward-extremity rules are applied by the event
// store's PutEvent when E is committed.
func (w *Walker) UpdateExtremities(ctx context.Context, roomNID int64, event gomatrixserverlib.PDU) error {
	if err := w.DB.RemoveBackwardExtremity(ctx, roomNID, event.EventID()); err != nil {
		return err
	}
	for _, prev := range event.PrevEventIDs() {
		if ev, err := w.DB.GetEvent(ctx, prev); err != nil || ev.Metadata.IsOutlier {
			if err := w.DB.AddBackwardExtremity(ctx, roomNID, prev); err != nil {
				return err
			}
		}
	}
	return nil
}

// AuthChain computes chain(E) = {E.auth_events} ∪ ⋃ chain(a), memoized
// per event through the event-store's auth-chain cache (spec §4.7,
// §3's "Auth chain index").
func (w *Walker) AuthChain(ctx context.Context, authEventIDs []string) ([]string, error) {
	nids, ids, err := w.resolveNIDs(ctx, authEventIDs)
	if err != nil {
		return nil, err
	}
	if len(nids) == 0 {
		return nil, nil
	}

	key := cacheKey(nids)
	if cached, err := w.DB.AuthChain(ctx, nids); err == nil && cached != nil {
		return w.nidsToIDs(ctx, cached)
	}

	seen := make(map[int64]bool, len(nids))
	var chain []int64
	var walk func(eventID string) error
	walk = func(eventID string) error {
		ev, err := w.DB.GetEvent(ctx, eventID)
		if err != nil {
			return nil // unknown ancestor: pathological input, skip rather than block (spec §4.5)
		}
		for _, a := range ev.AuthEventIDs() {
			anid, err := w.DB.GetEvent(ctx, a)
			if err != nil {
				continue
			}
			if seen[int64(anid.Metadata.EventNID)] {
				continue
			}
			seen[int64(anid.Metadata.EventNID)] = true
			chain = append(chain, int64(anid.Metadata.EventNID))
			if err := walk(a); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := walk(id); err != nil {
			return nil, err
		}
	}

	sort.Slice(chain, func(i, j int) bool { return chain[i] < chain[j] })
	if err := w.DB.StoreAuthChain(ctx, key, chain); err != nil {
		return nil, err
	}
	return w.nidsToIDs(ctx, chain)
}

func (w *Walker) resolveNIDs(ctx context.Context, eventIDs []string) ([]int64, []string, error) {
	nids := make([]int64, 0, len(eventIDs))
	ids := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, err := w.DB.GetEvent(ctx, id)
		if err != nil {
			continue
		}
		nids = append(nids, int64(ev.Metadata.EventNID))
		ids = append(ids, id)
	}
	return nids, ids, nil
}

func (w *Walker) nidsToIDs(ctx context.Context, nids []int64) ([]string, error) {
	ids := make([]string, 0, len(nids))
	for _, n := range nids {
		id, err := w.DB.EventIDForNID(ctx, types.EventNID(n))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func cacheKey(nids []int64) string {
	sorted := append([]int64(nil), nids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b := make([]byte, 0, len(sorted)*12)
	for i, n := range sorted {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(itoa(n))...)
	}
	return string(b)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
