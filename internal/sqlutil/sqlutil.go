// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlutil holds the small helpers every storage backend in
// roomserver/storage and federationapi/storage shares: preparing a
// batch of named statements against a *sql.DB, and picking the right
// statement depending on whether a call is running inside a
// transaction.
package sqlutil

import (
	"database/sql"

	"github.com/pkg/errors"
)

// StatementList is a batch of (destination, SQL) pairs prepared
// together so a single failure names which statement didn't compile.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list against db, assigning
// each into its destination pointer.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return errors.Wrapf(err, "sqlutil: prepare %q", statement.SQL)
		}
	}
	return nil
}

// TxStmt returns stmt bound to txn if txn is non-nil, otherwise stmt
// unmodified. Every table method in this core takes an optional *sql.Tx
// so C1's put_event can compose row writes into one transaction while
// read-only lookups can run statement-only.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}

// WithTransaction runs fn inside a transaction, committing on success
// and rolling back on error or panic. Mirrors dendrite's
// internal/sqlutil.WithTransaction helper.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "sqlutil: begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		} else if err != nil {
			_ = txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	err = fn(txn)
	return err
}

// IsUniqueConstraintViolation reports whether err indicates a
// duplicate-key conflict, the signal put_event uses to treat a second
// insert of the same event_id as an idempotent no-op (spec §4.1).
func IsUniqueConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	// Both backends surface this as a driver-specific error whose text
	// we recognise rather than importing each driver's error type here,
	// keeping this package backend-agnostic.
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "duplicate key value violates unique constraint")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if indexOf(s, sub) {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) bool {
	if len(sub) == 0 || len(sub) > len(s) {
		return len(sub) == 0
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
