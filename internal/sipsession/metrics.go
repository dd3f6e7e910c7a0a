/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sessionAttempts prometheus.Counter
	events          *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sip_session_initialize_attempts_total",
			Help: "Total number of signaling session initialization attempts",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sip_session_events_total",
			Help: "Total number of raised session events by kind",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionAttempts, m.events)
	}
	return m
}
