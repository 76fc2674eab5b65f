// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts engine activity. Pass a registerer to expose them;
// with nil they are still counted but not collected anywhere.
type Metrics struct {
	ComPacketsSent     prometheus.Counter
	ComPacketsReceived prometheus.Counter
	ReceiveRetries     prometheus.Counter
	Timeouts           prometheus.Counter
	SessionsOpen       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ComPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcg_storage_compackets_sent_total",
			Help: "Number of ComPackets handed to IF-SEND",
		}),
		ComPacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcg_storage_compackets_received_total",
			Help: "Number of non-empty ComPackets returned by IF-RECV",
		}),
		ReceiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcg_storage_receive_retries_total",
			Help: "Number of IF-RECV polls that returned no payload",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcg_storage_session_timeouts_total",
			Help: "Number of sessions aborted by the transaction timeout",
		}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcg_storage_sessions_open",
			Help: "Number of SP sessions currently attached to the engine",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ComPacketsSent, m.ComPacketsReceived, m.ReceiveRetries, m.Timeouts, m.SessionsOpen)
	}
	return m
}
