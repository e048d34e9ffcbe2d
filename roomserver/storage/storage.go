// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/matrix-core/roomengine/internal/config"
	"github.com/matrix-core/roomengine/roomserver/storage/postgres"
	"github.com/matrix-core/roomengine/roomserver/storage/sqlite3"
)

// NewDatabase dispatches on opts.ConnectionString's scheme, mirroring
// federationapi/storage's and dendrite's own backend-selection idiom.
func NewDatabase(opts config.DatabaseOptions) (Database, error) {
	switch {
	case opts.ConnectionString.IsPostgres():
		db, err := postgres.Open(string(opts.ConnectionString))
		if err != nil {
			return nil, err
		}
		db.DB.SetMaxOpenConns(opts.MaxOpenConnections)
		db.DB.SetMaxIdleConns(opts.MaxIdleConnections)
		return db, nil
	case opts.ConnectionString.IsSQLite():
		db, err := sqlite3.Open(string(opts.ConnectionString))
		if err != nil {
			return nil, err
		}
		db.DB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("roomserver/storage: unrecognised connection string %q", opts.ConnectionString)
	}
}
