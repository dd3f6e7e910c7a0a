/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package host provides the transports to the host container.
package host

import (
	"errors"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/bridge/relay"
)

const (
	maxChSize      = 100
	maxMessageSize = 65536
)

// ErrNoHost is returned by Send when no host is connected.
var ErrNoHost = errors.New("no host connected")

// Options define the settings of host transports.
type Options struct {
	Logger logrus.FieldLogger

	// AllowedOrigins lists the browser origins accepted by the websocket
	// transport in addition to the same origin. "*" accepts any origin.
	AllowedOrigins []string
}

func readyMessage() *relay.Message {
	return &relay.Message{
		Type: relay.TypeReactAppReady,
	}
}
