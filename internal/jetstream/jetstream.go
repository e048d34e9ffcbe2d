// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package jetstream starts or dials the NATS JetStream deployment that
// backs C6's per-room actor queues, mirroring dendrite's
// setup/jetstream package: an embedded server for single-process
// deployments, or a client connection to an external cluster for
// anything larger.
package jetstream

import (
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/matrix-core/roomengine/internal/config"
)

// Conn bundles the NATS client connection with the embedded server it
// was dialed against, if any, so the caller can shut both down
// together.
type Conn struct {
	NC     *nats.Conn
	JS     jetstream.JetStream
	server *server.Server
}

func (c *Conn) Close() {
	if c.NC != nil {
		c.NC.Close()
	}
	if c.server != nil {
		c.server.Shutdown()
		c.server.WaitForShutdown()
	}
}

// Connect brings up JetStream per cfg: embedded mode starts an
// in-process server listening on a random 127.0.0.1 TCP port, otherwise it
// dials cfg.Addresses as an ordinary client.
func Connect(cfg config.JetStream) (*Conn, error) {
	if cfg.Embedded {
		return connectEmbedded(cfg)
	}
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("jetstream: no addresses configured and embedded mode is off")
	}
	nc, err := nats.Connect(cfg.Addresses[0], nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "dial jetstream")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "open jetstream context")
	}
	return &Conn{NC: nc, JS: js}, nil
}

func connectEmbedded(cfg config.JetStream) (*Conn, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  cfg.StoragePath,
		Port:      server.RANDOM_PORT,
		Host:      "127.0.0.1",
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, errors.Wrap(err, "start embedded jetstream server")
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, errors.New("jetstream: embedded server did not become ready in time")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, errors.Wrap(err, "dial embedded jetstream server")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, errors.Wrap(err, "open jetstream context")
	}
	return &Conn{NC: nc, JS: js, server: ns}, nil
}
