/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/internal/janus"
	"stash.kopano.io/kwm/kwmsipbridge/internal/media"
	"stash.kopano.io/kwm/kwmsipbridge/internal/retry"
)

var errSessionLost = errors.New("session lost")

type sipEventData struct {
	SIP       string          `json:"sip"`
	CallID    string          `json:"call_id"`
	Result    *sipEventResult `json:"result"`
	Error     string          `json:"error"`
	ErrorCode int             `json:"error_code"`
}

type sipEventResult struct {
	Event       string `json:"event"`
	Username    string `json:"username"`
	DisplayName string `json:"displayname"`
	CallID      string `json:"call_id"`
	Code        int    `json:"code"`
	Reason      string `json:"reason"`
}

func (a *Adapter) lifecycle() {
	ctx := a.ctx
	for {
		session, handle, err := a.initialize(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.WithError(err).Errorln("sip session initialization stopped")
				<-ctx.Done()
			}
			return
		}

		err = a.serve(ctx, session, handle)
		if err == nil {
			a.teardown(session, handle)
			return
		}

		a.logger.WithError(err).Warnln("sip session lost, reconnecting")
		a.reset()
		a.transition(StateError, &Event{
			Kind:    EventSessionError,
			Err:     err,
			Details: errSessionLost.Error(),
			Code:    CodeSessionError,
		})
		destroyCtx, cancel := context.WithTimeout(context.Background(), a.requestTimeout())
		session.Destroy(destroyCtx)
		cancel()
	}
}

// initialize connects a new session and attaches the SIP plugin. Failed
// connects are retried by the reconnect policy, attach failures are final.
func (a *Adapter) initialize(ctx context.Context) (GatewaySession, PluginHandle, error) {
	a.mutex.Lock()
	a.state = StateInitializing
	a.tracks = NewTrackRegistry()
	a.mutex.Unlock()

	maxRetries := a.options.ReconnectMaxRetries
	policy := &retry.Policy{
		MaxRetries: maxRetries,
		Delay:      a.options.ReconnectDelay,
		OnRetry: func(retry int, err error) {
			a.logger.WithFields(logrus.Fields{
				"retry": retry,
				"max":   maxRetries,
				"delay": a.options.ReconnectDelay,
			}).Infoln("sip session initialization retry scheduled")
		},
		OnGiveUp: func(err error) {
			a.transition(StateError, &Event{
				Kind:     EventSessionError,
				Err:      err,
				Details:  "giving up",
				Code:     CodeSessionError,
				Terminal: true,
			})
		},
	}

	var session GatewaySession
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		a.metrics.sessionAttempts.Inc()
		s, connectErr := a.options.Gateway.Connect(ctx)
		if connectErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.WithError(connectErr).WithField("attempt", attempt+1).Warnln("sip session initialization failed")
			a.transition(StateError, &Event{
				Kind:    EventSessionError,
				Err:     connectErr,
				Details: fmt.Sprintf("attempt %d of %d", attempt+1, maxRetries+1),
				Code:    CodeSessionError,
			})
			return connectErr
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	a.logger.Infoln("sip session ready")
	a.transition(StateReady, &Event{
		Kind: EventSessionReady,
	})

	handle, err := session.Attach(ctx, PluginName)
	if err != nil {
		destroyCtx, cancel := context.WithTimeout(context.Background(), a.requestTimeout())
		session.Destroy(destroyCtx)
		cancel()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		a.logger.WithError(err).Errorln("sip plugin attach failed")
		a.transition(StateError, &Event{
			Kind: EventAttachError,
			Err:  err,
			Code: CodeAttachError,
		})
		return nil, nil, fmt.Errorf("failed to attach sip plugin: %w", err)
	}

	a.mutex.Lock()
	a.handle = handle
	a.mutex.Unlock()

	a.logger.Infoln("sip plugin attached")
	a.send(&Event{
		Kind: EventAttached,
	})

	return session, handle, nil
}

// serve relays handle messages until the context is done, which returns nil,
// or until the session is lost.
func (a *Adapter) serve(ctx context.Context, session GatewaySession, handle PluginHandle) error {
	messages := handle.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			a.handleMessage(message)
		case <-session.Done():
			err := session.Err()
			if err == nil {
				err = errSessionLost
			}
			return err
		}
	}
}

func (a *Adapter) teardown(session GatewaySession, handle PluginHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout())
	defer cancel()

	a.closePeer()

	a.mutex.RLock()
	attached := a.handle != nil
	a.mutex.RUnlock()
	if attached {
		if err := handle.Detach(ctx); err != nil {
			a.logger.WithError(err).Warnln("sip plugin detach failed")
			a.send(&Event{
				Kind: EventDetachError,
				Err:  err,
			})
		} else {
			a.logger.Debugln("sip plugin detached")
			a.send(&Event{
				Kind: EventDetached,
			})
		}
	}
	a.reset()

	if err := session.Destroy(ctx); err != nil {
		a.logger.WithError(err).Warnln("sip session destroy failed")
		a.mutex.Lock()
		a.state = StateDestroyed
		a.mutex.Unlock()
		return
	}
	a.logger.Debugln("sip session destroyed")
	a.transition(StateDestroyed, &Event{
		Kind: EventSessionDestroyed,
	})
}

// reset forgets the handle, registration and tracks of the current session.
func (a *Adapter) reset() {
	a.closePeer()

	a.mutex.Lock()
	a.handle = nil
	a.registered = false
	a.registering = false
	a.tracks.Clear()
	a.mutex.Unlock()
}

func (a *Adapter) handleMessage(message *janus.Message) {
	switch message.Janus {
	case janus.TypeEvent:
		a.handlePluginEvent(message)

	case janus.TypeWebRTCUp:
		a.send(&Event{
			Kind:      EventWebRTCState,
			Connected: true,
		})

	case janus.TypeMedia:
		receiving := message.Receiving != nil && *message.Receiving
		a.send(&Event{
			Kind:      EventMediaState,
			Media:     message.Type,
			Receiving: receiving,
		})

	case janus.TypeSlowLink:
		a.send(&Event{
			Kind:   EventSlowLink,
			Media:  message.Media,
			Uplink: message.Uplink,
			Lost:   message.Lost,
		})

	case janus.TypeHangup:
		a.logger.WithField("reason", message.Reason).Debugln("sip peer connection hangup")
		a.closePeer()
		a.Tracks().ClearRemote()
		a.send(&Event{
			Kind:      EventWebRTCState,
			Connected: false,
			Reason:    message.Reason,
		})
		a.transition(StateCleaned, &Event{
			Kind: EventCleanup,
		})

	case janus.TypeDetached:
		a.logger.Warnln("sip plugin detached by gateway")
		a.reset()
		a.send(&Event{
			Kind: EventDetached,
		})

	default:
		a.logger.WithField("type", message.Janus).Debugln("sip ignored gateway message")
	}
}

func (a *Adapter) handlePluginEvent(message *janus.Message) {
	if message.PluginData == nil {
		return
	}
	data := &sipEventData{}
	if err := json.Unmarshal(message.PluginData.Data, data); err != nil {
		a.logger.WithError(err).Warnln("sip event parse error")
		return
	}

	if data.Error != "" || data.ErrorCode != 0 {
		a.mutex.Lock()
		a.registering = false
		a.mutex.Unlock()
		a.logger.WithFields(logrus.Fields{
			"code":  data.ErrorCode,
			"error": data.Error,
		}).Warnln("sip plugin error")
		a.transition(StateError, &Event{
			Kind:    EventPluginError,
			Err:     errors.New(data.Error),
			Details: fmt.Sprintf("sip error %d", data.ErrorCode),
			Code:    data.ErrorCode,
		})
		return
	}

	if data.Result == nil || data.Result.Event == "" {
		a.logger.WithField("sip", data.SIP).Debugln("sip event without result ignored")
		return
	}
	result := data.Result
	name := result.Event
	event := &Event{
		Kind:   eventKindForName(name),
		Name:   name,
		Status: name,
		Code:   result.Code,
		Reason: result.Reason,
	}
	logger := a.logger.WithField("event", name)
	logger.Debugln("sip event")

	// Answers may come with progress (early media) or accepted, whichever
	// carries the first one wins. The incoming call JSEP is an offer.
	var answer *janus.JSEP
	if message.JSEP != nil && event.Kind != EventIncomingCall && message.JSEP.Type == "answer" {
		answer = message.JSEP
	}

	switch event.Kind {
	case EventRegistered:
		a.mutex.Lock()
		a.registered = true
		a.registering = false
		a.mutex.Unlock()
		logger.WithField("username", result.Username).Infoln("sip registered")

	case EventRegistrationError:
		a.mutex.Lock()
		a.registered = false
		a.registering = false
		a.mutex.Unlock()
		event.Err = fmt.Errorf("registration failed: %d %s", result.Code, result.Reason)
		logger.WithError(event.Err).Warnln("sip registration failed")

	case EventUnregistered:
		a.mutex.Lock()
		a.registered = false
		a.mutex.Unlock()

	case EventIncomingCall:
		event.From = result.Username
		event.CallID = data.CallID
		if event.CallID == "" {
			event.CallID = result.CallID
		}
		if message.JSEP != nil {
			hasAudio, hasVideo, err := media.HasMedia(message.JSEP.SDP)
			if err != nil {
				logger.WithError(err).Warnln("sip incoming call offer parse error")
			}
			event.HasAudio = hasAudio
			event.HasVideo = hasVideo
		}

	case EventHangup:
		a.closePeer()

	case EventUnknown:
		event.Data = message.PluginData.Data
	}

	a.transition(stateForEvent(name), event)

	if answer != nil {
		a.applyAnswer(answer)
	}
}

func (a *Adapter) applyAnswer(jsep *janus.JSEP) {
	a.mutex.Lock()
	peer := a.peer
	answered := a.answered
	if peer != nil {
		a.answered = true
	}
	a.mutex.Unlock()
	if peer == nil {
		a.logger.Warnln("sip answer without active call ignored")
		return
	}
	if answered {
		a.logger.Debugln("sip answer already applied, ignored")
		return
	}

	if err := peer.SetRemoteDescription(jsep); err != nil {
		a.mutex.Lock()
		if a.peer == peer {
			a.answered = false
		}
		a.mutex.Unlock()
		a.logger.WithError(err).Warnln("sip answer failed")
		a.transition(StateError, &Event{
			Kind: EventJSEPError,
			Err:  err,
		})
		return
	}
	a.send(&Event{
		Kind: EventJSEPSuccess,
	})
}
