/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/bridge/host"
	"stash.kopano.io/kwm/kwmsipbridge/bridge/relay"
	cfg "stash.kopano.io/kwm/kwmsipbridge/config"
	"stash.kopano.io/kwm/kwmsipbridge/internal/janus"
	"stash.kopano.io/kwm/kwmsipbridge/internal/media"
	"stash.kopano.io/kwm/kwmsipbridge/internal/sipsession"
)

// Host is a host container transport known to the Manager.
type Host interface {
	relay.Host
	Connected() bool
}

// Manager wires the SIP session, the relay and the host transport.
type Manager struct {
	logger logrus.FieldLogger
	ctx    context.Context
	config *cfg.Config

	wg      sync.WaitGroup
	stopped chan struct{}

	adapter *sipsession.Adapter
	bridge  *relay.Bridge
	host    Host

	websocketHost *host.WebsocketHost
}

// NewManager creates the SIP session with its relay and starts them.
func NewManager(ctx context.Context, config *cfg.Config) (*Manager, error) {
	m := &Manager{
		logger: config.Logger.WithField("manager", "sipgw"),
		ctx:    ctx,
		config: config,

		stopped: make(chan struct{}),
	}

	hostOptions := &host.Options{
		Logger: config.Logger.WithField("host", config.HostTransport),

		AllowedOrigins: config.AllowedOrigins,
	}
	var stdioHost *host.StdioHost
	switch config.HostTransport {
	case cfg.HostTransportWebsocket:
		m.websocketHost = host.NewWebsocketHost(hostOptions)
		m.host = m.websocketHost
	case cfg.HostTransportStdio:
		stdioHost = host.NewStdioHost(hostOptions, os.Stdin, os.Stdout)
		m.host = stdioHost
	default:
		return nil, fmt.Errorf("unknown host transport: %q", config.HostTransport)
	}

	var rtpPackets prometheus.Counter
	if config.Metrics != nil {
		rtpPackets = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_remote_rtp_packets_total",
			Help: "Total number of RTP packets received on remote tracks",
		})
		config.Metrics.MustRegister(rtpPackets)
	}

	janusURI := config.JanusURI.String()
	m.logger.WithField("url", janusURI).Infoln("using janus gateway")

	adapter, err := sipsession.New(&sipsession.Options{
		Logger: config.Logger.WithField("session", "sip"),

		Gateway: &sipsession.JanusGateway{
			URI: janusURI,
			Options: &janus.Options{
				Logger:     config.Logger.WithField("janus", janusURI),
				HTTPClient: config.HTTPClient,

				RequestTimeout:    config.JanusRequestTimeout,
				KeepAliveInterval: config.JanusKeepAliveInterval,
			},
		},
		NewPeer: sipsession.NewMediaPeerFactory(&media.Options{
			Logger:     config.Logger.WithField("media", "peer"),
			ICEServers: config.ICEServers,
			RTPPackets: rtpPackets,
		}),

		ReconnectMaxRetries: config.ReconnectMaxRetries,
		ReconnectDelay:      config.ReconnectDelay,
		RequestTimeout:      config.JanusRequestTimeout,

		Metrics: config.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sip session: %w", err)
	}
	m.adapter = adapter

	m.bridge, err = relay.New(&relay.Options{
		Logger: config.Logger.WithField("bridge", "relay"),

		Adapter: adapter,
		Host:    m.host,

		SendMaxRetries: config.SendMaxRetries,
		SendDelay:      config.SendDelay,

		Metrics: config.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	if stdioHost != nil {
		go func() {
			if runErr := stdioHost.Run(ctx); runErr != nil {
				m.logger.WithError(runErr).Errorln("host stdio transport failed")
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer func() {
			if m.websocketHost != nil {
				m.websocketHost.Close()
			}
			m.logger.Debugln("sip relay stopped")
			close(m.stopped)
			m.wg.Done()
		}()
		if runErr := m.bridge.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			m.logger.WithError(runErr).Errorln("sip relay failed")
		}
	}()

	return m, nil
}

// Wait blocks until the session teardown is complete.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Health returns an error once the SIP relay has stopped.
func (m *Manager) Health() error {
	select {
	case <-m.stopped:
		return errors.New("sip relay stopped")
	default:
		return nil
	}
}

// NumActive returns the number of connected hosts.
func (m *Manager) NumActive() uint64 {
	if m.host.Connected() {
		return 1
	}
	return 0
}

// HostHandler returns the http.Handler accepting the host websocket, or nil
// when the host is not connected via websocket.
func (m *Manager) HostHandler() http.Handler {
	if m.websocketHost == nil {
		return nil
	}
	return m.websocketHost
}
