/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var commandTypes = map[string]bool{
	TypeWebviewReady:  true,
	TypeRegisterSIP:   true,
	TypeUnregisterSIP: true,
	TypeMakeCall:      true,
	TypeEndCall:       true,
}

type metrics struct {
	commands        *prometheus.CounterVec
	messagesSent    prometheus.Counter
	messagesRetried prometheus.Counter
	messagesDropped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_host_commands_total",
			Help: "Total number of commands received from the host by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_host_messages_sent_total",
			Help: "Total number of messages delivered to the host",
		}),
		messagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_host_messages_retried_total",
			Help: "Total number of message delivery retries",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_host_messages_dropped_total",
			Help: "Total number of messages dropped after all delivery retries failed",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.messagesSent, m.messagesRetried, m.messagesDropped)
	}
	return m
}

func (m *metrics) commandReceived(messageType string) {
	if !commandTypes[messageType] {
		messageType = "unknown"
	}
	m.commands.WithLabelValues(messageType).Inc()
}
