// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package logging wires up logrus the way dendrite's setup path does:
// stdout/stderr demuxed by level, with an optional rotating file hook
// for production deployments.
package logging

import (
	"os"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// Options configures the process-wide logger. It is intentionally
// small: this core does not own HTTP access logging, only the
// pipeline's own structured events.
type Options struct {
	Level       string
	LogDir      string // if set, dugong rotates per-day files here
	JSON        bool
}

// Setup installs the logrus hooks described by Options as the global
// logger's hooks, returning a base entry components should derive
// sub-loggers from via WithField("component", ...).
func Setup(opts Options) *logrus.Entry {
	logrus.SetOutput(os.Stdout)
	if opts.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	logrus.AddHook(stdemuxerhook.New(logrus.StandardLogger()))

	if opts.LogDir != "" {
		logrus.AddHook(dugong.NewFSHook(
			opts.LogDir+"/roomengine.log",
			&logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
			&dugong.DailyRotationSchedule{GZip: true},
		))
	}

	return logrus.NewEntry(logrus.StandardLogger())
}

// ForComponent returns a sub-logger tagged with "component", the
// idiom every package in this core uses instead of the bare package
// logger dendrite's internal code relies on.
func ForComponent(base *logrus.Entry, component string) *logrus.Entry {
	return base.WithField("component", component)
}
