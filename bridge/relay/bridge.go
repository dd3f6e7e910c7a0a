/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package relay translates between the message protocol of the host
// container and the operations and events of the SIP session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/internal/sipsession"
)

const maxChSize = 100

// Adapter is the SIP session driven by the Bridge.
type Adapter interface {
	Start()
	Close() error
	Events() <-chan *sipsession.Event

	Register(credentials *sipsession.Credentials) error
	Unregister() error
	Call(number string) error
	Hangup() error

	State() sipsession.CallState
	IsRegistered() bool
	InCall() bool
}

// Host is the host container transport.
type Host interface {
	// Send delivers the provided message to the host once.
	Send(message *Message) error
	// Messages returns the channel of messages received from the host.
	Messages() <-chan *Message
}

// Options define the settings of a Bridge.
type Options struct {
	Logger logrus.FieldLogger

	Adapter Adapter
	Host    Host

	SendMaxRetries int
	SendDelay      time.Duration

	Metrics prometheus.Registerer
}

// Bridge relays host commands to the Adapter and Adapter events to the
// host. Everything is handled on the single goroutine of Run.
type Bridge struct {
	options *Options
	logger  logrus.FieldLogger
	metrics *metrics

	adapter Adapter
	host    Host

	mutex        deadlock.RWMutex
	webviewReady bool
	running      bool

	outbound chan *Message
}

// New creates a new Bridge with the provided options.
func New(options *Options) (*Bridge, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if options.Adapter == nil || options.Host == nil {
		return nil, errors.New("adapter and host are required")
	}

	return &Bridge{
		options: options,
		logger:  options.Logger,
		metrics: newMetrics(options.Metrics),

		adapter: options.Adapter,
		host:    options.Host,

		outbound: make(chan *Message, maxChSize),
	}, nil
}

// Run starts the adapter and relays until the provided context is done and
// the adapter teardown is complete.
func (b *Bridge) Run(ctx context.Context) error {
	b.mutex.Lock()
	if b.running {
		b.mutex.Unlock()
		return errors.New("already running")
	}
	b.running = true
	b.mutex.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.deliver(ctx)
	}()

	b.post(TypeAppMounted, emptyPayload)
	b.adapter.Start()

	done := ctx.Done()
	inbound := b.host.Messages()
	events := b.adapter.Events()
	for {
		select {
		case <-done:
			b.logger.Debugln("bridge stopping")
			done = nil
			inbound = nil
			go b.adapter.Close()

		case message, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			b.handle(message)

		case event, ok := <-events:
			if !ok {
				b.post(TypeAppUnmounted, emptyPayload)
				close(b.outbound)
				wg.Wait()
				b.logger.Debugln("bridge stopped")
				return nil
			}
			b.relay(event)
		}
	}
}

// WebviewReady reports if the host announced itself as ready.
func (b *Bridge) WebviewReady() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.webviewReady
}

func (b *Bridge) handle(message *Message) {
	logger := b.logger.WithField("type", message.Type)
	b.metrics.commandReceived(message.Type)

	switch message.Type {
	case TypeWebviewReady:
		b.mutex.Lock()
		b.webviewReady = true
		b.mutex.Unlock()
		logger.Debugln("host webview ready")

	case TypeRegisterSIP:
		credentials := &sipsession.Credentials{}
		if err := decodePayload(message, credentials); err != nil {
			logger.WithError(err).Warnln("bridge invalid register payload")
			b.post(TypeRegistrationError, &errorPayload{Error: err.Error()})
			return
		}
		if err := b.adapter.Register(credentials); err != nil {
			logger.WithError(err).Warnln("bridge register rejected")
			b.post(TypeRegistrationError, &errorPayload{Error: err.Error()})
		}

	case TypeUnregisterSIP:
		if err := b.adapter.Unregister(); err != nil {
			logger.WithError(err).Warnln("bridge unregister failed")
		}

	case TypeMakeCall:
		if !b.adapter.IsRegistered() {
			logger.Warnln("bridge call without registration rejected")
			b.post(TypeCallError, &callErrorPayload{
				Error:     sipsession.ErrNotRegistered.Error(),
				CallState: b.adapter.State(),
			})
			return
		}
		payload := &makeCallPayload{}
		if err := decodePayload(message, payload); err != nil {
			logger.WithError(err).Warnln("bridge invalid call payload")
		}
		if err := b.adapter.Call(payload.PhoneNumber); err != nil {
			logger.WithError(err).Warnln("bridge call rejected")
			b.post(TypeCallError, &callErrorPayload{
				Error:     err.Error(),
				CallState: b.adapter.State(),
			})
		}

	case TypeEndCall:
		if b.adapter.InCall() {
			if err := b.adapter.Hangup(); err != nil {
				logger.WithError(err).Warnln("bridge hangup failed")
			}
		}

	default:
		logger.Debugln("bridge ignored unknown host message")
	}
}

func (b *Bridge) relay(event *sipsession.Event) {
	messageType, payload := messageForEvent(event)
	if messageType == "" {
		b.logger.WithField("kind", event.Kind).Warnln("bridge event without host message")
		return
	}
	b.post(messageType, payload)
}

// post queues a message for delivery to the host.
func (b *Bridge) post(messageType string, payload interface{}) {
	message, err := NewMessage(messageType, payload)
	if err != nil {
		b.logger.WithError(err).Errorln("bridge message encode failed")
		return
	}
	b.outbound <- message
}

func decodePayload(message *Message, v interface{}) error {
	if len(message.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(message.Payload, v)
}
