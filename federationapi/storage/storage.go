// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/matrix-core/roomengine/federationapi/storage/postgres"
	"github.com/matrix-core/roomengine/federationapi/storage/sqlite3"
	"github.com/matrix-core/roomengine/internal/config"
)

// NewDatabase opens the backend named by opts.ConnectionString's
// scheme, matching dendrite's dispatch-on-connection-string idiom
// (file: vs postgres://) used throughout its storage constructors.
func NewDatabase(opts config.DatabaseOptions) (Database, error) {
	switch {
	case opts.ConnectionString.IsPostgres():
		db, table, err := postgres.Open(string(opts.ConnectionString))
		if err != nil {
			return nil, err
		}
		applyPoolOptions(db, opts)
		return &database{db: db, table: table}, nil
	case opts.ConnectionString.IsSQLite():
		db, table, err := sqlite3.Open(string(opts.ConnectionString))
		if err != nil {
			return nil, err
		}
		applyPoolOptions(db, opts)
		db.SetMaxOpenConns(1) // keep sqlite3.Open's single-writer limit
		return &database{db: db, table: table}, nil
	default:
		return nil, fmt.Errorf("federationapi/storage: unrecognised connection string %q", opts.ConnectionString)
	}
}

func applyPoolOptions(db interface {
	SetMaxOpenConns(int)
	SetMaxIdleConns(int)
}, opts config.DatabaseOptions) {
	db.SetMaxOpenConns(opts.MaxOpenConnections)
	db.SetMaxIdleConns(opts.MaxIdleConnections)
}
