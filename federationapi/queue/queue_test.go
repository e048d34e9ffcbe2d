// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"

	"github.com/matrix-core/roomengine/federationapi/storage/sqlite3"
	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/internal/config"
)

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []gomatrixserverlib.Transaction
}

func (f *fakeSender) SendTransaction(ctx context.Context, t gomatrixserverlib.Transaction) (fclient.RespSend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fclient.RespSend{}, context.DeadlineExceeded
	}
	f.sent = append(f.sent, t)
	return fclient.RespSend{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testCfg() *config.FederationAPI {
	cfg := &config.FederationAPI{}
	cfg.Defaults()
	cfg.CircuitBreakerFailureThreshold = 2
	return cfg
}

func TestOutgoingQueuesDeliversPDU(t *testing.T) {
	db, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	caches, err := caching.New()
	require.NoError(t, err)
	sender := &fakeSender{}
	q := NewOutgoingQueues(db, caches, sender, "origin.example.org", testCfg())

	pdu := json.RawMessage(`{"type":"m.room.message"}`)
	require.NoError(t, q.SendEvent(context.Background(), pdu, []spec.ServerName{"dest.example.org"}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, sender.sent[0].PDUs, 1)
}

func TestOutgoingQueuesSkipsOrigin(t *testing.T) {
	db, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	caches, err := caching.New()
	require.NoError(t, err)
	sender := &fakeSender{}
	q := NewOutgoingQueues(db, caches, sender, "origin.example.org", testCfg())

	pdu := json.RawMessage(`{"type":"m.room.message"}`)
	require.NoError(t, q.SendEvent(context.Background(), pdu, []spec.ServerName{"origin.example.org"}))

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, sender.count())
}

func TestOutgoingQueuesDisabledFederation(t *testing.T) {
	db, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	caches, err := caching.New()
	require.NoError(t, err)
	cfg := testCfg()
	cfg.DisableFederation = true
	q := NewOutgoingQueues(db, caches, &fakeSender{}, "origin.example.org", cfg)

	err = q.SendEvent(context.Background(), json.RawMessage(`{}`), []spec.ServerName{"dest.example.org"})
	require.ErrorIs(t, err, ErrFederationDisabled)
}

func TestDestinationQueueOpensBreakerAfterFailures(t *testing.T) {
	db, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	caches, err := caching.New()
	require.NoError(t, err)
	sender := &fakeSender{fail: true}
	q := NewOutgoingQueues(db, caches, sender, "origin.example.org", testCfg())

	dest := spec.ServerName("flaky.example.org")
	for i := 0; i < 2; i++ {
		require.NoError(t, q.SendEvent(context.Background(), json.RawMessage(`{}`), []spec.ServerName{dest}))
		time.Sleep(20 * time.Millisecond)
	}

	state, ok, err := db.RetryState(context.Background(), dest)
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, state.FailureCount, uint32(2))
	require.True(t, q.destinationQueue(dest).breakerOpen(context.Background()))
}
