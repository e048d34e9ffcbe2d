// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the data model for C8's per-destination
// delivery bookkeeping: retry/backoff state and in-flight transaction
// composition.
package types

import "github.com/matrix-org/gomatrixserverlib/spec"

// RetryState is the persisted backoff state for a single destination
// server, spec §4.8's "exponential backoff (capped, jittered), a
// circuit-breaker state".
type RetryState struct {
	FailureCount uint32
	RetryUntil   spec.Timestamp
}

// CircuitState is the in-memory phase of a destination's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // delivering normally
	CircuitOpen                         // failing fast, RetryUntil not yet reached
	CircuitHalfOpen                     // probing with a single in-flight request
)

// Transaction batches PDUs and EDUs bound for one destination, capped
// per spec §4.8 ("send_transaction batches up to the federation
// PDU/EDU limit per transaction").
type Transaction struct {
	Destination spec.ServerName
	PDUs        [][]byte
	EDUs        []EDU
}

// EDU is an ephemeral data unit: typing, presence, receipts, and
// device-list updates, none of which carry DAG identity (spec glossary).
type EDU struct {
	Type    string
	Content []byte
}
