/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package sipsession owns the signaling session with its attached SIP plugin
// handle and the media peer of the current call.
package sipsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/internal/janus"
	"stash.kopano.io/kwm/kwmsipbridge/internal/media"
)

const (
	maxChSize = 100

	defaultRequestTimeout = 10 * time.Second
)

// Precondition errors returned by the Adapter.
var (
	ErrNotAttached       = errors.New("sip plugin not attached")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrMissingNumber     = errors.New("missing phone number")
	ErrCallActive        = errors.New("call already active")
)

// Error codes reported with session and attach errors.
const (
	CodeSessionError = 500
	CodeAttachError  = 501
)

// Options define the settings of an Adapter.
type Options struct {
	Logger logrus.FieldLogger

	Gateway Gateway
	NewPeer PeerFactory

	ReconnectMaxRetries int
	ReconnectDelay      time.Duration
	RequestTimeout      time.Duration

	Metrics prometheus.Registerer
}

// Adapter owns one signaling session with one attached SIP plugin handle.
// Outbound requests are sent in order by a single worker, results which are
// not preconditions are reported through Events.
type Adapter struct {
	options *Options
	logger  logrus.FieldLogger
	metrics *metrics

	mutex       deadlock.RWMutex
	state       CallState
	credentials Credentials
	registered  bool
	registering bool
	handle      PluginHandle
	peer        Peer
	answered    bool
	tracks      *TrackRegistry

	requests chan func(ctx context.Context)

	eventsMutex  deadlock.RWMutex
	eventsClosed bool
	events       chan *Event

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new Adapter with the provided options. Call Start to
// connect.
func New(options *Options) (*Adapter, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if options.Gateway == nil {
		return nil, errors.New("no gateway")
	}
	if options.NewPeer == nil {
		return nil, errors.New("no peer factory")
	}

	a := &Adapter{
		options: options,
		logger:  options.Logger,
		metrics: newMetrics(options.Metrics),

		state:  StateNotStarted,
		tracks: NewTrackRegistry(),

		requests: make(chan func(ctx context.Context), maxChSize),
		events:   make(chan *Event, maxChSize),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	return a, nil
}

// Events returns the channel of all events of the accociated adapter. The
// channel is closed by Close after teardown.
func (a *Adapter) Events() <-chan *Event {
	return a.events
}

// Start initializes the session in the background, reconnecting whenever
// the session is lost.
func (a *Adapter) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			a.worker()
		}()
		go func() {
			defer a.wg.Done()
			a.lifecycle()
		}()
	})
}

// Close tears down the session and waits until done. No events are raised
// afterwards.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.wg.Wait()

		a.eventsMutex.Lock()
		a.eventsClosed = true
		close(a.events)
		a.eventsMutex.Unlock()
	})
	return nil
}

// State returns the current call state.
func (a *Adapter) State() CallState {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.state
}

// IsRegistered reports if the SIP account is registered.
func (a *Adapter) IsRegistered() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.registered
}

// InCall reports if a call is active.
func (a *Adapter) InCall() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.state.InCall()
}

// Tracks returns the track registry of the current session.
func (a *Adapter) Tracks() *TrackRegistry {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.tracks
}

// Register registers the SIP account with the provided credentials merged
// over the ones of earlier attempts.
func (a *Adapter) Register(credentials *Credentials) error {
	a.mutex.Lock()
	if a.handle == nil {
		a.state = StateError
		a.mutex.Unlock()
		return ErrNotAttached
	}
	if a.registered || a.registering {
		a.mutex.Unlock()
		return ErrAlreadyRegistered
	}
	a.credentials = a.credentials.Merge(credentials)
	a.registering = true
	a.state = StateRegistering
	handle := a.handle
	body := a.credentials.registerRequest()
	username := a.credentials.Username
	a.mutex.Unlock()

	a.logger.WithField("username", username).Debugln("sip register")
	a.enqueue(func(ctx context.Context) {
		if err := handle.Message(ctx, body, nil); err != nil {
			a.mutex.Lock()
			a.registering = false
			a.mutex.Unlock()
			a.logger.WithError(err).Warnln("sip register request failed")
			a.transition(StateError, &Event{
				Kind: EventRegistrationError,
				Err:  err,
			})
		}
	})
	return nil
}

// Unregister unregisters the SIP account. It does nothing when not
// registered.
func (a *Adapter) Unregister() error {
	a.mutex.RLock()
	handle := a.handle
	registered := a.registered
	a.mutex.RUnlock()
	if handle == nil || !registered {
		return nil
	}

	a.logger.Debugln("sip unregister")
	a.enqueue(func(ctx context.Context) {
		a.sendRequest(ctx, handle, "unregister", nil, nil)
	})
	return nil
}

// Call calls the provided number at the domain of the registered proxy with
// a local audio offer.
func (a *Adapter) Call(number string) error {
	a.mutex.Lock()
	if a.handle == nil {
		a.state = StateError
		a.mutex.Unlock()
		return ErrNotAttached
	}
	if number == "" {
		a.state = StateError
		a.mutex.Unlock()
		return ErrMissingNumber
	}
	if !a.registered {
		a.mutex.Unlock()
		return ErrNotRegistered
	}
	if a.state.InCall() || a.peer != nil {
		a.mutex.Unlock()
		return ErrCallActive
	}
	uri, err := a.credentials.CallURI(number)
	if err != nil {
		a.state = StateError
		a.mutex.Unlock()
		return err
	}
	a.state = StateCalling
	handle := a.handle
	a.mutex.Unlock()

	a.logger.WithField("uri", uri).Debugln("sip call")
	a.enqueue(func(ctx context.Context) {
		a.send(&Event{
			Kind:        EventCallInitiated,
			PhoneNumber: number,
		})
		a.placeCall(ctx, handle, uri)
	})
	return nil
}

// Hangup ends the active call. It does nothing without an active call.
func (a *Adapter) Hangup() error {
	a.mutex.RLock()
	handle := a.handle
	inCall := a.state.InCall()
	a.mutex.RUnlock()
	if handle == nil || !inCall {
		return nil
	}

	a.logger.Debugln("sip hangup")
	a.enqueue(func(ctx context.Context) {
		a.sendRequest(ctx, handle, "hangup", nil, nil)
	})
	return nil
}

func (a *Adapter) placeCall(ctx context.Context, handle PluginHandle, uri string) {
	peer, err := a.options.NewPeer(a.peerHandlers())
	if err != nil {
		a.transition(StateError, &Event{
			Kind: EventCallError,
			Err:  fmt.Errorf("failed to create peer: %w", err),
		})
		return
	}
	a.mutex.Lock()
	a.peer = peer
	a.answered = false
	a.mutex.Unlock()

	jsep, err := peer.CreateOffer(ctx)
	if err != nil {
		a.closePeer()
		a.logger.WithError(err).Warnln("sip call offer failed")
		a.transition(StateError, &Event{
			Kind: EventCallError,
			Err:  fmt.Errorf("failed to create offer: %w", err),
		})
		return
	}

	if err = handle.Message(ctx, map[string]interface{}{
		"request": "call",
		"uri":     uri,
	}, jsep); err != nil {
		a.closePeer()
		a.logger.WithError(err).Warnln("sip call request failed")
		a.transition(StateError, &Event{
			Kind: EventCallError,
			Err:  err,
		})
	}
}

func (a *Adapter) sendRequest(ctx context.Context, handle PluginHandle, request string, body map[string]interface{}, jsep *janus.JSEP) {
	if body == nil {
		body = make(map[string]interface{})
	}
	body["request"] = request
	if err := handle.Message(ctx, body, jsep); err != nil {
		a.logger.WithError(err).WithField("request", request).Warnln("sip request failed")
		a.transition(StateError, &Event{
			Kind: EventPluginError,
			Err:  err,
		})
	}
}

func (a *Adapter) peerHandlers() *media.Handlers {
	return &media.Handlers{
		OnConsentDialog: func(on bool) {
			if on {
				a.send(&Event{
					Kind: EventConsentDialog,
				})
			}
		},
		OnLocalTrack: func(kind string, trackID string, added bool) {
			a.Tracks().SetLocal(kind, trackID, added)
			a.send(&Event{
				Kind:      EventLocalTrack,
				TrackKind: kind,
				TrackID:   trackID,
				Added:     added,
			})
		},
		OnRemoteTrack: func(kind string, mid string, added bool) {
			a.Tracks().SetRemote(kind, mid, added)
			a.send(&Event{
				Kind:      EventRemoteTrack,
				TrackKind: kind,
				TrackID:   mid,
				Added:     added,
			})
		},
		OnICEState: func(state string) {
			a.send(&Event{
				Kind:   EventICEState,
				Status: state,
			})
		},
	}
}

func (a *Adapter) closePeer() {
	a.mutex.Lock()
	peer := a.peer
	a.peer = nil
	a.answered = false
	a.mutex.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			a.logger.WithError(err).Debugln("sip call peer close error")
		}
	}
}

func (a *Adapter) enqueue(fn func(ctx context.Context)) {
	select {
	case a.requests <- fn:
	case <-a.ctx.Done():
	}
}

func (a *Adapter) worker() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case fn := <-a.requests:
			ctx, cancel := context.WithTimeout(a.ctx, a.requestTimeout())
			fn(ctx)
			cancel()
		}
	}
}

func (a *Adapter) requestTimeout() time.Duration {
	if a.options.RequestTimeout > 0 {
		return a.options.RequestTimeout
	}
	return defaultRequestTimeout
}

// send raises the provided event with a snapshot of the current state.
func (a *Adapter) send(event *Event) {
	if event.State == "" {
		event.State = a.State()
	}
	a.metrics.events.WithLabelValues(event.Kind.String()).Inc()

	a.eventsMutex.RLock()
	defer a.eventsMutex.RUnlock()
	if a.eventsClosed {
		return
	}
	a.events <- event
}

// transition sets the state and raises the provided event with it.
func (a *Adapter) transition(state CallState, event *Event) {
	a.mutex.Lock()
	a.state = state
	a.mutex.Unlock()
	event.State = state
	a.send(event)
}
