// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage persists C8's per-destination retry/backoff state,
// the only durable state the federation client owns — everything else
// (PDUs, state, auth chains) belongs to roomserver/storage.
package storage

import (
	"context"
	"database/sql"

	"github.com/matrix-core/roomengine/federationapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Database is the persistence surface C8's queue manager dials into
// to survive restarts without forgetting which destinations are
// backing off.
type Database interface {
	UpsertRetryState(ctx context.Context, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	RetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error)
	AllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error)
	ClearRetryState(ctx context.Context, serverName spec.ServerName) error
}

// retryStateTable is satisfied by both backends' generated statement
// structs; kept distinct from Database so the two backend packages
// don't need to know about each other.
type retryStateTable interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[spec.ServerName]types.RetryState, error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
}

// database is the shared Database implementation both backends
// construct by supplying their own prepared retryStateTable.
type database struct {
	db    *sql.DB
	table retryStateTable
}

func (d *database) UpsertRetryState(ctx context.Context, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	return d.table.UpsertRetryState(ctx, nil, serverName, failureCount, retryUntil)
}

func (d *database) RetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	fc, ru, ok, err := d.table.SelectRetryState(ctx, nil, serverName)
	return types.RetryState{FailureCount: fc, RetryUntil: ru}, ok, err
}

func (d *database) AllRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error) {
	return d.table.SelectAllRetryStates(ctx, nil)
}

func (d *database) ClearRetryState(ctx context.Context, serverName spec.ServerName) error {
	return d.table.DeleteRetryState(ctx, nil, serverName)
}
