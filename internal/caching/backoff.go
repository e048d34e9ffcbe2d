// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import "time"

// BadEventState is how long the DAG walker (C7) should wait before
// retrying a fetch of an event_id that has previously failed.
type BadEventState struct {
	Failures int
	Until    time.Time
}

// MarkBadEvent records another failed fetch/validate of eventID and
// returns the new backoff state. The cooldown doubles per failure,
// capped at an hour, mirroring conduwuit's BAD_EVENT_RATE_LIMITER.
func (c *Caches) MarkBadEvent(eventID string) BadEventState {
	var st BadEventState
	if v, ok := c.BadEvents.Get(eventID); ok {
		st = v.(BadEventState)
	}
	st.Failures++
	backoff := time.Duration(1<<uint(st.Failures)) * time.Second
	if backoff > time.Hour {
		backoff = time.Hour
	}
	st.Until = time.Now().Add(backoff)
	c.BadEvents.Set(eventID, st, backoff)
	return st
}

// ShouldSkipBadEvent reports whether eventID is still within its
// backoff cooldown and should not be re-fetched yet.
func (c *Caches) ShouldSkipBadEvent(eventID string) bool {
	v, ok := c.BadEvents.Get(eventID)
	if !ok {
		return false
	}
	return time.Now().Before(v.(BadEventState).Until)
}

// ClearBadEvent forgets a previously failing event_id once it has
// been successfully fetched and validated.
func (c *Caches) ClearBadEvent(eventID string) {
	c.BadEvents.Delete(eventID)
}
