// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/types"
)

// Validator is C3: it turns raw, untrusted wire JSON into a PDU whose
// shape, hashes, and signatures have all been checked (spec §4.3,
// pipeline phase Validated), given a KeyRing capable of resolving the
// origin's current signing keys.
type Validator struct {
	KeyRing *gomatrixserverlib.KeyRing
}

func NewValidator(keyRing *gomatrixserverlib.KeyRing) *Validator {
	return &Validator{KeyRing: keyRing}
}

// Validate parses raw under roomVersion, then verifies its content
// hash and the origin server's signature. It never trusts the caller's
// claimed event_id: gomatrixserverlib derives it from the reference
// hash (or, pre-v3, takes the wire field) as part of parsing.
func (v *Validator) Validate(ctx context.Context, raw []byte, roomVersion gomatrixserverlib.RoomVersion) (gomatrixserverlib.PDU, error) {
	pdu, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		return nil, errors.Wrap(err, "malformed event")
	}

	origin := pdu.Origin()
	if origin == "" {
		origin = spec.ServerName(pdu.SenderID())
	}

	results, err := v.KeyRing.VerifyJSONs(ctx, []gomatrixserverlib.VerifyJSONRequest{{
		ServerName:           origin,
		Message:              pdu.JSON(),
		AtTS:                 pdu.OriginServerTS(),
		StrictValidityChecking: true,
	}})
	if err != nil {
		return nil, errors.Wrap(err, "fetch verification keys")
	}
	if len(results) == 0 || results[0].Error != nil {
		return nil, errors.New("no valid signature from origin server")
	}

	return pdu, nil
}

// ContentHash returns the SHA-256 of canonicalJSON exactly as given; it
// strips nothing, so the caller passes the event's canonical JSON with
// hashes/signatures/unsigned already removed. gomatrixserverlib.PDU
// already exposes this as part of its own hashing, and no package in
// this module calls ContentHash (C5 hashes its frames itself).
func ContentHash(canonicalJSON []byte) [sha256.Size]byte {
	return sha256.Sum256(canonicalJSON)
}

// Builder wraps gomatrixserverlib's per-room-version EventBuilder so
// callers never construct raw canonical JSON by hand when minting a
// local event. In this module only the input tests call it.
type Builder struct {
	identity *Identity
}

func NewBuilder(identity *Identity) *Builder {
	return &Builder{identity: identity}
}

// BuildParams is everything submit_local supplies about the event it
// wants minted; depth, prev_events, and auth_events are filled in by
// the caller (C6/C7) before Build is invoked.
type BuildParams struct {
	RoomID      string
	RoomVersion gomatrixserverlib.RoomVersion
	SenderID    string
	EventType   string
	StateKey    *string
	Content     []byte
	PrevEvents  []string
	AuthEvents  []string
	Depth       int64
	Redacts     string
}

// Build hashes and signs a new PDU under this server's identity,
// returning the fully-formed event ready to enter the pipeline at
// Received the same way a federated event would.
func (b *Builder) Build(ctx context.Context, p BuildParams) (gomatrixserverlib.PDU, error) {
	eb := p.RoomVersion.NewEventBuilder()
	eb.RoomID = p.RoomID
	eb.Type = p.EventType
	eb.StateKey = p.StateKey
	eb.Content = p.Content
	eb.PrevEvents = toEventIDs(p.PrevEvents)
	eb.AuthEvents = toEventIDs(p.AuthEvents)
	eb.Depth = p.Depth
	eb.SenderID = p.SenderID
	if p.Redacts != "" {
		eb.Redacts = p.Redacts
	}

	pdu, err := eb.Build(time.Now(), b.identity.ServerName, b.identity.KeyID, b.identity.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "build and sign event")
	}
	return pdu, nil
}

func toEventIDs(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// VerifyReferenceHash re-derives event_id from raw under roomVersion
// and confirms it matches want, the check invariant 3 in spec §7 names
// ("event_id mismatches its reference hash").
func VerifyReferenceHash(raw []byte, roomVersion gomatrixserverlib.RoomVersion, want string) error {
	pdu, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		return err
	}
	if pdu.EventID() != want {
		return errors.Errorf("event_id %q does not match reference hash (got %q)", want, pdu.EventID())
	}
	return nil
}

// EventMetadataFromPDU fills the subset of types.EventMetadata that is
// knowable purely from the wire PDU, before C1 assigns an sn/EventNID.
func EventMetadataFromPDU(pdu gomatrixserverlib.PDU) types.EventMetadata {
	return types.EventMetadata{
		TopologicalOrdering: pdu.Depth(),
	}
}
