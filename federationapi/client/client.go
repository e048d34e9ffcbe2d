// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client is C8, the signed federation client: it wraps
// gomatrixserverlib/fclient with this server's own identity so every
// outbound request carries a valid X-Matrix Authorization header, and
// exposes the lookups the DAG walker (C7) and event pipeline (C6) need
// on top of queue.OutgoingQueues' fire-and-forget delivery path.
package client

import (
	"context"

	"github.com/pkg/errors"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/federationapi/queue"
	"github.com/matrix-core/roomengine/federationapi/storage"
	"github.com/matrix-core/roomengine/federationapi/types"
	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/internal/config"
	"github.com/matrix-core/roomengine/roomserver/signing"
)

// NewClient builds the signed outbound client this server presents to
// the rest of the federation, keyed with identity's Ed25519 key the
// way dendrite's setup/base wires fclient against the loaded signing
// identity before handing it to every component that calls out.
func NewClient(identity *signing.Identity, opts ...fclient.ClientOption) *fclient.FederationClient {
	return fclient.NewFederationClient(
		[]*fclient.SigningIdentity{{
			SigningIdentity: gomatrixserverlib.SigningIdentity{
				ServerName: identity.ServerName,
				KeyID:      identity.KeyID,
				PrivateKey: identity.PrivateKey,
			},
		}},
		opts...,
	)
}

// Client is C8's full public surface: outbound delivery plus the
// lookups a DAG walker performs while filling gaps (spec §4.7, §4.8).
type Client struct {
	queues *queue.OutgoingQueues
	raw    *fclient.FederationClient
	origin spec.ServerName
}

// New assembles C8 against an already-opened retry-state store and a
// signed client (NewClient's result, or a stub in tests).
func New(db storage.Database, caches *caching.Caches, raw *fclient.FederationClient, origin spec.ServerName, cfg *config.FederationAPI) *Client {
	return &Client{
		queues: queue.NewOutgoingQueues(db, caches, raw, origin, cfg),
		raw:    raw,
		origin: origin,
	}
}

// SendEvent hands pdu to the per-destination outbound queues (spec
// §4.8). It returns as soon as the event is queued; delivery and its
// retries happen asynchronously.
func (c *Client) SendEvent(ctx context.Context, pdu []byte, destinations []spec.ServerName) error {
	return c.queues.SendEvent(ctx, pdu, destinations)
}

// SendEDU queues an ephemeral data unit for delivery the same way.
func (c *Client) SendEDU(ctx context.Context, edu types.EDU, destinations []spec.ServerName) error {
	return c.queues.SendEDU(ctx, edu, destinations)
}

// GetEvent fetches a single PDU by ID from destination, used by the
// DAG walker to resolve an auth_events or prev_events reference this
// server has never seen (spec §4.7).
func (c *Client) GetEvent(ctx context.Context, destination spec.ServerName, eventID string, roomVersion gomatrixserverlib.RoomVersion) (gomatrixserverlib.PDU, error) {
	res, err := c.raw.GetEvent(ctx, c.origin, destination, eventID)
	if err != nil {
		return nil, err
	}
	for _, raw := range res.PDUs {
		ev, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
		if err == nil {
			return ev, nil
		}
	}
	return nil, errNoEventReturned
}

// GetMissingEvents walks backwards from latestEvents to earliestEvents
// along prev_events, the primary tool C7 uses to fill a gap without a
// full backfill (spec §4.7).
func (c *Client) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int, roomVersion gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error) {
	res, err := c.raw.LookupMissingEvents(ctx, c.origin, destination, roomID, fclient.MissingEvents{
		Limit:         limit,
		EarliestEvents: earliestEvents,
		LatestEvents:   latestEvents,
	}, roomVersion)
	if err != nil {
		return nil, err
	}
	return res.Events.UntrustedEvents(roomVersion)
}

// Backfill fetches count events going backwards from fromEventIDs,
// used when GetMissingEvents alone cannot reach far enough into the
// room's history (spec §4.7).
func (c *Client) Backfill(ctx context.Context, destination spec.ServerName, roomID string, count int, fromEventIDs []string, roomVersion gomatrixserverlib.RoomVersion) ([]gomatrixserverlib.PDU, error) {
	res, err := c.raw.Backfill(ctx, c.origin, destination, roomID, count, fromEventIDs)
	if err != nil {
		return nil, err
	}
	return res.PDUs.UntrustedEvents(roomVersion)
}

// LookupState fetches the full resolved state (and its auth chain) at
// eventID from destination, the fallback C7 uses when local ancestor
// resolution hits a gap it cannot fill incrementally (spec §4.7).
func (c *Client) LookupState(ctx context.Context, destination spec.ServerName, roomID, eventID string, roomVersion gomatrixserverlib.RoomVersion) (fclient.RespState, error) {
	return c.raw.LookupState(ctx, c.origin, destination, roomID, eventID, roomVersion)
}

// LookupStateIDs is LookupState's cheaper sibling: just the event IDs
// of the state and auth chain, fetched before deciding whether a full
// LookupState round trip is worth it.
func (c *Client) LookupStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (fclient.RespStateIDs, error) {
	return c.raw.LookupStateIDs(ctx, c.origin, destination, roomID, eventID)
}

var errNoEventReturned = errors.New("federationapi: destination returned no usable event")
