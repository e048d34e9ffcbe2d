// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

// FederationAPI configures the outbound signed client (C8): per
// destination retry/backoff, circuit breaking, and in-flight limits.
type FederationAPI struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database"`

	// DisableFederation, when set, makes the outbound queue's SendEvent
	// and SendEDU fail fast with queue.ErrFederationDisabled — useful for
	// isolated test rooms. The client's lookups are not affected.
	DisableFederation bool `yaml:"disable_federation"`

	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MaxInFlightPerDestination int `yaml:"max_in_flight_per_destination"`
	MaxPDUsPerTransaction     int `yaml:"max_pdus_per_transaction"`
	MaxEDUsPerTransaction     int `yaml:"max_edus_per_transaction"`

	// CircuitBreakerFailureThreshold is the number of consecutive
	// failures before a destination is marked broken.
	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerCooldown         time.Duration `yaml:"circuit_breaker_cooldown"`
}

func (c *FederationAPI) Defaults() {
	c.Database.Defaults()
	if c.BackoffMin == 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 24 * time.Hour
	}
	if c.MaxInFlightPerDestination == 0 {
		c.MaxInFlightPerDestination = 8
	}
	if c.MaxPDUsPerTransaction == 0 {
		c.MaxPDUsPerTransaction = 50
	}
	if c.MaxEDUsPerTransaction == 0 {
		c.MaxEDUsPerTransaction = 100
	}
	if c.CircuitBreakerFailureThreshold == 0 {
		c.CircuitBreakerFailureThreshold = 5
	}
	if c.CircuitBreakerCooldown == 0 {
		c.CircuitBreakerCooldown = 60 * time.Second
	}
}
