// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue is C8's per-destination delivery path: one queue per
// remote server, each with its own exponential backoff, circuit
// breaker, and bounded in-flight transaction, so a single unreachable
// server can never stall delivery to the rest of the federation (spec
// §4.8), the same per-destination split dendrite's own federationapi/queue
// package makes.
package queue

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/matrix-core/roomengine/federationapi/storage"
	"github.com/matrix-core/roomengine/federationapi/types"
	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/internal/config"
)

// ErrFederationDisabled is returned by SendEvent and SendEDU when
// cfg.DisableFederation is set.
var ErrFederationDisabled = errors.New("federationapi: federation is disabled")

// Sender is the narrow slice of fclient.FederationClient the queue
// needs, kept separate so tests can supply a stub without building a
// real signed client.
type Sender interface {
	SendTransaction(ctx context.Context, t gomatrixserverlib.Transaction) (fclient.RespSend, error)
}

// OutgoingQueues fans outbound PDUs and EDUs out to one destinationQueue
// per remote server name.
type OutgoingQueues struct {
	db     storage.Database
	caches *caching.Caches
	client Sender
	origin spec.ServerName
	cfg    *config.FederationAPI

	dedup singleflight.Group

	mu    sync.Mutex
	dests map[spec.ServerName]*destinationQueue
}

// NewOutgoingQueues wires a queue manager against client, the signed
// federation client C8's caller already built (client.NewClient).
func NewOutgoingQueues(db storage.Database, caches *caching.Caches, client Sender, origin spec.ServerName, cfg *config.FederationAPI) *OutgoingQueues {
	return &OutgoingQueues{
		db:     db,
		caches: caches,
		client: client,
		origin: origin,
		cfg:    cfg,
		dests:  make(map[spec.ServerName]*destinationQueue),
	}
}

// SendEvent enqueues pdu for delivery to every destination that is not
// this server, batching it with whatever else is already queued for
// that destination (spec §4.8's send_transaction batching).
func (q *OutgoingQueues) SendEvent(ctx context.Context, pdu json.RawMessage, destinations []spec.ServerName) error {
	if q.cfg.DisableFederation {
		return ErrFederationDisabled
	}
	for _, dest := range destinations {
		if dest == q.origin {
			continue
		}
		dq := q.destinationQueue(dest)
		dq.queuePDU(append(json.RawMessage(nil), pdu...))
	}
	return nil
}

// SendEDU enqueues an ephemeral data unit the same way, for
// destinations that never carry DAG identity (typing, receipts,
// presence, device-list updates).
func (q *OutgoingQueues) SendEDU(ctx context.Context, edu types.EDU, destinations []spec.ServerName) error {
	if q.cfg.DisableFederation {
		return ErrFederationDisabled
	}
	for _, dest := range destinations {
		if dest == q.origin {
			continue
		}
		q.destinationQueue(dest).queueEDU(edu)
	}
	return nil
}

func (q *OutgoingQueues) destinationQueue(dest spec.ServerName) *destinationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.dests[dest]
	if !ok {
		dq = &destinationQueue{
			q:           q,
			destination: dest,
			limiter:     rate.NewLimiter(rate.Limit(q.cfg.MaxInFlightPerDestination), q.cfg.MaxInFlightPerDestination),
		}
		q.dests[dest] = dq
	}
	return dq
}

// destinationQueue batches pending PDUs/EDUs for one remote server and
// flushes them through the queue's shared client, deduplicating
// concurrent flush attempts via singleflight so a burst of SendEvent
// calls against a slow destination never opens more than one
// in-flight transaction for it.
type destinationQueue struct {
	q           *OutgoingQueues
	destination spec.ServerName
	limiter     *rate.Limiter

	mu      sync.Mutex
	pending types.Transaction
}

func (dq *destinationQueue) queuePDU(pdu json.RawMessage) {
	dq.mu.Lock()
	dq.pending.Destination = dq.destination
	dq.pending.PDUs = append(dq.pending.PDUs, pdu)
	full := len(dq.pending.PDUs) >= dq.q.cfg.MaxPDUsPerTransaction
	dq.mu.Unlock()
	observeSendQueueDepth(1)
	dq.kick(full)
}

func (dq *destinationQueue) queueEDU(edu types.EDU) {
	dq.mu.Lock()
	dq.pending.Destination = dq.destination
	dq.pending.EDUs = append(dq.pending.EDUs, edu)
	full := len(dq.pending.EDUs) >= dq.q.cfg.MaxEDUsPerTransaction
	dq.mu.Unlock()
	observeSendQueueDepth(1)
	dq.kick(full)
}

// kick starts a flush attempt. Non-full batches still flush
// immediately: C8 has no client-visible latency budget to trade
// against batching, so the only batching that happens is whatever
// accumulated while the previous flush for this destination was
// in flight.
func (dq *destinationQueue) kick(force bool) {
	go dq.flush(context.Background())
}

func (dq *destinationQueue) flush(ctx context.Context) {
	if dq.breakerOpen(ctx) {
		return
	}
	_, _, _ = dq.q.dedup.Do(string(dq.destination), func() (interface{}, error) {
		dq.mu.Lock()
		txn := dq.pending
		dq.pending = types.Transaction{Destination: dq.destination}
		dq.mu.Unlock()

		n := len(txn.PDUs) + len(txn.EDUs)
		if n == 0 {
			return nil, nil
		}

		if err := dq.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		err := dq.send(ctx, txn)
		observeSendQueueDepth(-n)
		if err != nil {
			dq.recordFailure(ctx)
			return nil, err
		}
		dq.recordSuccess(ctx)
		return nil, nil
	})
}

func (dq *destinationQueue) send(ctx context.Context, txn types.Transaction) error {
	pdus := make([]json.RawMessage, len(txn.PDUs))
	for i, p := range txn.PDUs {
		pdus[i] = json.RawMessage(p)
	}
	edus := make([]gomatrixserverlib.EDU, len(txn.EDUs))
	for i, e := range txn.EDUs {
		edus[i] = gomatrixserverlib.EDU{Type: e.Type, Content: e.Content}
	}
	t := gomatrixserverlib.Transaction{
		TransactionID:    gomatrixserverlib.TransactionID(transactionID()),
		Origin:           dq.q.origin,
		Destination:      dq.destination,
		OriginServerTS:   spec.AsTimestamp(time.Now()),
		PDUs:             pdus,
		EDUs:             edus,
	}
	_, err := dq.q.client.SendTransaction(ctx, t)
	return err
}

// breakerOpen reports whether destination is within an unexpired
// backoff window, consulting the persisted retry state so a restart
// doesn't forget a destination we just gave up on (spec §4.8's
// "circuit-breaker state ... survives restarts").
func (dq *destinationQueue) breakerOpen(ctx context.Context) bool {
	state, ok, err := dq.q.db.RetryState(ctx, dq.destination)
	if err != nil || !ok {
		return false
	}
	if int(state.FailureCount) < dq.q.cfg.CircuitBreakerFailureThreshold {
		return false
	}
	return time.Now().Before(state.RetryUntil.Time())
}

func (dq *destinationQueue) recordFailure(ctx context.Context) {
	state, ok, err := dq.q.db.RetryState(ctx, dq.destination)
	if err != nil {
		return
	}
	failures := uint32(1)
	if ok {
		failures = state.FailureCount + 1
	}
	backoff := backoffFor(dq.q.cfg, failures)
	_ = dq.q.db.UpsertRetryState(ctx, dq.destination, failures, spec.AsTimestamp(time.Now().Add(backoff)))
}

func (dq *destinationQueue) recordSuccess(ctx context.Context) {
	_ = dq.q.db.ClearRetryState(ctx, dq.destination)
}

// backoffFor computes the doubling, capped, jittered delay before the
// next attempt at a destination with the given consecutive failure
// count (spec §4.8's "exponential backoff (capped, jittered)").
func backoffFor(cfg *config.FederationAPI, failures uint32) time.Duration {
	exp := math.Pow(2, float64(failures-1))
	d := time.Duration(float64(cfg.BackoffMin) * exp)
	if d > cfg.BackoffMax || d <= 0 {
		d = cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d - jitter/2 + jitter
}

var txnCounter uint64

func transactionID() string {
	txnCounter++
	return time.Now().UTC().Format("20060102150405") + "-" + itoa(txnCounter)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
