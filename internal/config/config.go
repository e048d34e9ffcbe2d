// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the top-level, unmarshalled configuration document. It
// mirrors dendrite's setup/config.Dendrite split into one struct per
// component, trimmed to the components this core actually owns.
type Config struct {
	Global         Global         `yaml:"global"`
	RoomServer     RoomServer     `yaml:"room_server"`
	FederationAPI  FederationAPI  `yaml:"federation_api"`
}

// Load reads and defaults a Config from a YAML document on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	c.Defaults()
	return &c, nil
}

func (c *Config) Defaults() {
	c.Global.Defaults()
	c.RoomServer.Matrix = &c.Global
	c.RoomServer.Defaults()
	c.FederationAPI.Matrix = &c.Global
	c.FederationAPI.Defaults()
}
