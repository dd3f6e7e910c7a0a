/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Host transports supported for the host container.
const (
	HostTransportWebsocket = "websocket"
	HostTransportStdio     = "stdio"
)

// Defaults for the fixed configuration constants.
var (
	DefaultJanusURL   = "ws://127.0.0.1:8188/"
	DefaultICEServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}

	DefaultReconnectMaxRetries = 3
	DefaultReconnectDelay      = 5000 * time.Millisecond
	DefaultSendMaxRetries      = 3
	DefaultSendDelay           = 1000 * time.Millisecond

	DefaultJanusKeepAliveInterval = 25 * time.Second
	DefaultJanusRequestTimeout    = 10 * time.Second
)

// Config defines a Server's configuration settings.
type Config struct {
	ListenAddr string
	RequestLog bool

	WithMetrics       bool
	MetricsListenAddr string

	HTTPClient *http.Client

	Logger logrus.FieldLogger

	Metrics prometheus.Registerer

	JanusURI               *url.URL
	JanusKeepAliveInterval time.Duration
	JanusRequestTimeout    time.Duration

	ICEServers []string

	ReconnectMaxRetries int
	ReconnectDelay      time.Duration
	SendMaxRetries      int
	SendDelay           time.Duration

	HostTransport  string
	AllowedOrigins []string
}

// New returns a Config with all defaults applied and the provided logger.
func New(logger logrus.FieldLogger) *Config {
	c := &Config{
		Logger: logger,
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills all unset fields of the accociated Config with their
// defaults.
func (c *Config) ApplyDefaults() {
	if c.JanusURI == nil {
		c.JanusURI, _ = url.Parse(DefaultJanusURL)
	}
	if c.JanusKeepAliveInterval == 0 {
		c.JanusKeepAliveInterval = DefaultJanusKeepAliveInterval
	}
	if c.JanusRequestTimeout == 0 {
		c.JanusRequestTimeout = DefaultJanusRequestTimeout
	}
	if c.ICEServers == nil {
		c.ICEServers = append([]string{}, DefaultICEServers...)
	}
	if c.ReconnectMaxRetries == 0 {
		c.ReconnectMaxRetries = DefaultReconnectMaxRetries
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.SendMaxRetries == 0 {
		c.SendMaxRetries = DefaultSendMaxRetries
	}
	if c.SendDelay == 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.HostTransport == "" {
		c.HostTransport = HostTransportWebsocket
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}
