// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching holds the in-process caches shared across the event
// pipeline and federation client, mirroring dendrite's own
// internal/caching.Caches: one struct gathering a typed wrapper per
// cache, so callers never touch ristretto/go-cache directly.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"
)

// Cache is a typed wrapper around a ristretto.Cache, the same generic
// shape dendrite's internal/caching.Cache[K,V] uses so call sites never
// juggle interface{}.
type Cache[K comparable, V any] struct {
	cache *ristretto.Cache
	cost  int64
}

func newCache[K comparable, V any](maxCost int64) (*Cache[K, V], error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{cache: rc, cost: 1}, nil
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.cache.SetWithTTL(key, value, c.cost, 0)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.cache.SetWithTTL(key, value, c.cost, ttl)
}

func (c *Cache[K, V]) Del(key K) {
	c.cache.Del(key)
}

// ServerKeyEntry is one (server, key_id) -> verify key binding cached
// by the signing package (C3) so outbound and inbound signature checks
// don't round-trip to /_matrix/key/v2 on every event.
type ServerKeyEntry struct {
	PublicKey    []byte
	ValidUntilTS int64
}

// Caches gathers every cache this core keeps in-process. It is built
// once at startup and passed by reference into the packages that need
// it, the same wiring shape as dendrite's internal/caching.NewCache.
type Caches struct {
	ServerKeys *Cache[string, ServerKeyEntry]

	// BadEvents backs C7's fetch-retry backoff: an event_id that
	// repeatedly fails to fetch or validate is held here with an
	// increasing cooldown before the DAG walker will try it again,
	// grounded on conduwuit's BAD_EVENT_RATE_LIMITER.
	BadEvents *gocache.Cache

	// IdempotentTxns is a short-TTL cache created alongside the
	// event_idempotents table (C6 §4.6). No component reads or writes
	// it: the event pipeline looks txn_ids up in the table directly.
	IdempotentTxns *gocache.Cache

	// CircuitBreakers is a per-destination cache keyed by server name.
	// No component reads or writes it: C8's outbound queue derives
	// breaker state from its persisted retry-state rows.
	CircuitBreakers *gocache.Cache
}

// New builds the cache set with the sizes dendrite's own defaults use
// for the equivalent tables (events/state caches sized in the tens of
// MB, short-lived bookkeeping caches left unbounded but TTL-expired).
func New() (*Caches, error) {
	serverKeys, err := newCache[string, ServerKeyEntry](16 * 1024 * 1024)
	if err != nil {
		return nil, err
	}
	return &Caches{
		ServerKeys:      serverKeys,
		BadEvents:       gocache.New(5*time.Minute, 10*time.Minute),
		IdempotentTxns:  gocache.New(10*time.Minute, 15*time.Minute),
		CircuitBreakers: gocache.New(gocache.NoExpiration, time.Hour),
	}, nil
}
