// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Global holds settings shared by every component: this server's own
// name and signing identity, and the backing stores every component
// dials into.
type Global struct {
	// ServerName is this homeserver's name, used as the origin on
	// outbound PDUs and as the audience for inbound federation auth.
	ServerName spec.ServerName `yaml:"server_name"`

	// PrivateKeyPath points at the server's long-term Ed25519 signing
	// key (seed, base64). KeyID is the key identifier advertised in
	// /_matrix/key/v2/server.
	PrivateKeyPath string `yaml:"private_key"`
	KeyID          string `yaml:"key_id"`
	KeyValidity    time.Duration `yaml:"key_validity_period"`

	JetStream JetStream `yaml:"jetstream"`

	Sentry Sentry `yaml:"sentry"`
}

// JetStream configures the NATS JetStream deployment backing the
// per-room actor queues (C6) and the notification/device-inbox fanout
// (C9). Embedded mode starts an in-process nats-server; otherwise
// Addresses are dialed as a client.
type JetStream struct {
	Addresses     []string `yaml:"addresses"`
	Embedded      bool     `yaml:"embedded"`
	StoragePath   string   `yaml:"storage_path"`
	TopicPrefix   string   `yaml:"topic_prefix"`
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

func (g *Global) Defaults() {
	if g.KeyID == "" {
		g.KeyID = "ed25519:auto"
	}
	if g.KeyValidity == 0 {
		g.KeyValidity = 7 * 24 * time.Hour
	}
	if g.JetStream.TopicPrefix == "" {
		g.JetStream.TopicPrefix = "RoomEngine"
	}
}
