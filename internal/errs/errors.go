// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package errs defines the event-pipeline error taxonomy (kinds, not
// Go types) that every component in roomserver/ and federationapi/
// reports through, so that callers can branch on Kind without caring
// which package raised it.
package errs

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind is one of the error kinds from the pipeline's error taxonomy.
type Kind string

const (
	MalformedPdu         Kind = "MalformedPdu"
	SignatureInvalid     Kind = "SignatureInvalid"
	HashMismatch         Kind = "HashMismatch"
	UnknownRoomVersion   Kind = "UnknownRoomVersion"
	AuthFailed           Kind = "AuthFailed"
	AncestorsMissing     Kind = "AncestorsMissing"
	SoftFailed           Kind = "SoftFailed"
	RateLimited          Kind = "RateLimited"
	StorageConflict      Kind = "StorageConflict"
	FederationUnavailable Kind = "FederationUnavailable"
	Timeout              Kind = "Timeout"
	Cancelled            Kind = "Cancelled"
	InvariantViolation   Kind = "InvariantViolation"
)

// terminal kinds cause the event to be dropped (local sender) or
// recorded as is_rejected (remote sender); see spec §7.
var terminalKinds = map[Kind]bool{
	MalformedPdu:       true,
	SignatureInvalid:   true,
	HashMismatch:       true,
	UnknownRoomVersion: true,
	AuthFailed:         true,
}

// Error wraps an underlying cause with a pipeline Kind and an optional
// rejection reason string suitable for persisting on the event row.
type Error struct {
	Kind            Kind
	RejectionReason string
	cause           error
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, RejectionReason: reason}
}

func Wrap(kind Kind, cause error, reason string) *Error {
	return &Error{Kind: kind, RejectionReason: reason, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.RejectionReason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.RejectionReason)
}

func (e *Error) Unwrap() error { return e.cause }

// IsTerminal reports whether the error kind terminates processing of
// the event outright (drop for local senders, is_rejected for remote).
func (e *Error) IsTerminal() bool {
	return terminalKinds[e.Kind]
}

// As extracts a pipeline *Error from err, if any.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ReportInvariantViolation logs and, if Sentry is configured, captures
// an InvariantViolation. The caller must still refuse the offending
// event — this never substitutes for that refusal.
func ReportInvariantViolation(log *logrus.Entry, msg string, fields logrus.Fields) *Error {
	log.WithFields(fields).Error("invariant violation: " + msg)
	if sentry.CurrentHub().Client() != nil {
		sentry.WithScope(func(scope *sentry.Scope) {
			for k, v := range fields {
				scope.SetExtra(k, v)
			}
			sentry.CaptureMessage("invariant violation: " + msg)
		})
	}
	return New(InvariantViolation, msg)
}
