// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "roomengine",
	Subsystem: "federationapi",
	Name:      "send_queue_depth",
	Help:      "Number of PDUs and EDUs currently queued for outbound federation delivery.",
})

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

// observeSendQueueDepth adjusts the running total queued across every
// destination and syncs the gauge, called as items are enqueued
// (positive delta) and flushed (negative delta).
func observeSendQueueDepth(delta int) {
	v := sendQueueDepthValue.Add(int64(delta))
	sendQueueDepth.Set(float64(v))
}
