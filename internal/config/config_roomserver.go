// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

// RoomServer configures the event pipeline and state engine (C1-C7, C9).
type RoomServer struct {
	Matrix   *Global          `yaml:"-"`
	Database DatabaseOptions  `yaml:"database"`

	// RoomActorQueueLength is defaulted but read by no component: the
	// per-room input streams have no length limit and the ingress is
	// never asked to back off.
	RoomActorQueueLength int `yaml:"room_actor_queue_length"`

	// WorkerCap is defaulted but read by no component: the number of
	// rooms processed concurrently is not capped.
	WorkerCap int `yaml:"worker_cap"`

	// DepthBudget bounds how many ancestors a single AncestorsResolved
	// phase will walk before giving up and marking a backward
	// extremity + timeline_gap (§4.6).
	DepthBudget int `yaml:"depth_budget"`

	// StateRebaseInterval is how many deltas may chain off a state
	// frame before a full rebase is written (§4.5, §9).
	StateRebaseInterval int `yaml:"state_rebase_interval"`

	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	ResolveTimeout  time.Duration `yaml:"resolve_timeout"`

	// TxnIDRetention is defaulted but read by no component: nothing
	// purges event_idempotents rows, so a txn_id stays deduplicated for
	// as long as its row exists.
	TxnIDRetention time.Duration `yaml:"txn_id_retention"`
}

func (c *RoomServer) Defaults() {
	c.Database.Defaults()
	if c.RoomActorQueueLength == 0 {
		c.RoomActorQueueLength = 512
	}
	if c.WorkerCap == 0 {
		c.WorkerCap = 32
	}
	if c.DepthBudget == 0 {
		c.DepthBudget = 100
	}
	if c.StateRebaseInterval == 0 {
		c.StateRebaseInterval = 64
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = 15 * time.Second
	}
	if c.TxnIDRetention == 0 {
		c.TxnIDRetention = 24 * time.Hour
	}
}
