// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command roomengine starts the event pipeline and state engine as a
// standalone process: it owns the collaborator wiring spec §6 assumes
// is already in place, but no HTTP routing of its own — that belongs
// to whatever federation/client-API surface embeds roomserver/api.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	fedclient "github.com/matrix-core/roomengine/federationapi/client"
	fedstorage "github.com/matrix-core/roomengine/federationapi/storage"
	"github.com/matrix-core/roomengine/internal/caching"
	"github.com/matrix-core/roomengine/internal/config"
	"github.com/matrix-core/roomengine/internal/jetstream"
	"github.com/matrix-core/roomengine/internal/logging"
	"github.com/matrix-core/roomengine/roomserver/auth"
	"github.com/matrix-core/roomengine/roomserver/dag"
	"github.com/matrix-core/roomengine/roomserver/input"
	"github.com/matrix-core/roomengine/roomserver/notifier"
	"github.com/matrix-core/roomengine/roomserver/query"
	"github.com/matrix-core/roomengine/roomserver/signing"
	"github.com/matrix-core/roomengine/roomserver/state"
	"github.com/matrix-core/roomengine/roomserver/storage"
)

func main() {
	configPath := flag.String("config", "roomengine.yaml", "path to the YAML config document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	log := logging.Setup(logging.Options{Level: "info"})
	if cfg.Global.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Global.Sentry.DSN}); err != nil {
			log.WithError(err).Warn("sentry init failed, continuing without crash reporting")
		}
		defer sentry.Flush(2)
	}

	app, err := build(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build roomengine")
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Each room's actor consumer is started lazily, by whichever
	// collaborator first learns the room exists (a federation
	// transaction for it, or a local join) calling app.inputer.Start
	// for that room_id — there is no fixed room list to range over at
	// boot.

	log.WithField("server_name", cfg.Global.ServerName).Info("roomengine ready")
	<-ctx.Done()
	log.Info("shutting down")
}

// application gathers every collaborator main wires together, so
// close() can tear them down in reverse dependency order.
type application struct {
	db      storage.Database
	fedDB   fedstorage.Database
	jsConn  *jetstream.Conn
	inputer *input.Inputer
	query   *query.Engine
}

func (a *application) close() {
	if a.jsConn != nil {
		a.jsConn.Close()
	}
}

func build(cfg *config.Config, log *logrus.Entry) (*application, error) {
	identity, err := signing.LoadIdentity(&cfg.Global)
	if err != nil {
		return nil, errors.Wrap(err, "load signing identity")
	}

	caches, err := caching.New()
	if err != nil {
		return nil, errors.Wrap(err, "build caches")
	}

	db, err := storage.NewDatabase(cfg.RoomServer.Database)
	if err != nil {
		return nil, errors.Wrap(err, "open roomserver storage")
	}
	fedDB, err := fedstorage.NewDatabase(cfg.FederationAPI.Database)
	if err != nil {
		return nil, errors.Wrap(err, "open federationapi storage")
	}

	rawClient := fedclient.NewClient(identity)
	keyRing := signing.NewKeyRing(caches, rawClient)
	validator := signing.NewValidator(keyRing)
	fedClient := fedclient.New(fedDB, caches, rawClient, identity.ServerName, &cfg.FederationAPI)

	walker := dag.NewWalker(db, fedClient, caches, cfg.RoomServer.DepthBudget)
	resolver := state.NewResolver(db, cfg.RoomServer.StateRebaseInterval)
	authEngine := auth.NewEngine()

	var jsConn *jetstream.Conn
	if cfg.Global.JetStream.Embedded || len(cfg.Global.JetStream.Addresses) > 0 {
		jsConn, err = jetstream.Connect(cfg.Global.JetStream)
		if err != nil {
			return nil, errors.Wrap(err, "connect jetstream")
		}
	}

	// roomNotifier is constructed after jsConn so a multi-instance
	// deployment's long-poll waiters wake on commits made by whichever
	// instance's pipeline actually processed the event, not only the
	// one the client happens to be long-polling against.
	roomNotifier := notifier.New()
	if jsConn != nil {
		roomNotifier.NATSConn = jsConn.NC
		roomNotifier.TopicPrefix = cfg.Global.JetStream.TopicPrefix
		roomNotifier.Log = log.WithField("component", "notifier")
	}

	inputer := &input.Inputer{
		DB:        db,
		Validator: validator,
		Auth:      authEngine,
		Resolver:  resolver,
		Walker:    walker,
		Caches:    caches,
		Cfg:       &cfg.RoomServer,
		Notifier:  roomNotifier,
		Log:       log.WithField("component", "input"),
	}
	if jsConn != nil {
		inputer.JetStream = jsConn.JS
		inputer.NATSClient = jsConn.NC
	}

	log.WithFields(logrus.Fields{
		"server_name": cfg.Global.ServerName,
		"key_id":      identity.KeyID,
	}).Info("signing identity loaded")

	return &application{
		db:      db,
		fedDB:   fedDB,
		jsConn:  jsConn,
		inputer: inputer,
		query:   query.NewEngine(db, resolver),
	}, nil
}
