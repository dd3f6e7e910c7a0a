/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package janus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is a Janus session on a Client.
type Session struct {
	client *Client
	logger logrus.FieldLogger

	id uint64

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(client *Client, id uint64) *Session {
	return &Session{
		client: client,
		logger: client.logger.WithField("session_id", id),

		id: id,

		done: make(chan struct{}),
	}
}

// ID returns the gateway assigned id of the accociated session.
func (s *Session) ID() uint64 {
	return s.id
}

// Done returns a channel which is closed when the accociated session ended,
// either by Destroy, gateway timeout or connection loss.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason why the accociated session ended.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

func (s *Session) end(err error) {
	s.once.Do(func() {
		s.err = err
		s.client.sessions.Remove(idKey(s.id))
		for _, v := range s.client.handles.Items() {
			if handle := v.(*Handle); handle.session == s {
				handle.end()
			}
		}
		close(s.done)
	})
}

// Attach attaches the named plugin to the accociated session.
func (s *Session) Attach(ctx context.Context, plugin string) (*Handle, error) {
	response, err := s.client.request(ctx, &Message{
		Janus:     TypeAttach,
		SessionID: s.id,
		Plugin:    plugin,
	})
	if err != nil {
		return nil, err
	}
	if response.Data == nil || response.Data.ID == 0 {
		return nil, errors.New("janus attach response without handle id")
	}

	handle := newHandle(s, response.Data.ID, plugin)
	s.client.handles.Set(idKey(handle.id), handle)
	s.logger.WithFields(logrus.Fields{
		"handle_id": handle.id,
		"plugin":    plugin,
	}).Debugln("janus plugin attached")

	return handle, nil
}

// KeepAlive refreshes the accociated session at the gateway.
func (s *Session) KeepAlive(ctx context.Context) error {
	_, err := s.client.request(ctx, &Message{
		Janus:     TypeKeepAlive,
		SessionID: s.id,
	})
	return err
}

// Destroy destroys the accociated session at the gateway.
func (s *Session) Destroy(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	_, err := s.client.request(ctx, &Message{
		Janus:     TypeDestroy,
		SessionID: s.id,
	})
	s.end(ErrDestroyed)
	if err != nil {
		return fmt.Errorf("failed to destroy janus session: %w", err)
	}
	return nil
}

func (s *Session) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.KeepAlive(s.client.ctx); err != nil {
				s.logger.WithError(err).Warnln("janus session keepalive failed")
			}
		}
	}
}
