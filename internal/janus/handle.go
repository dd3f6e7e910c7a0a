/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package janus

import (
	"context"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// Handle is a plugin handle attached to a Session.
type Handle struct {
	session *Session

	id     uint64
	plugin string

	mutex  deadlock.Mutex
	closed bool
	events chan *Message
}

func newHandle(session *Session, id uint64, plugin string) *Handle {
	return &Handle{
		session: session,

		id:     id,
		plugin: plugin,

		events: make(chan *Message, maxChSize),
	}
}

// ID returns the gateway assigned id of the accociated handle.
func (h *Handle) ID() uint64 {
	return h.id
}

// Events returns the channel of asynchronous gateway messages for the
// accociated handle. The channel is closed when the handle goes away.
func (h *Handle) Events() <-chan *Message {
	return h.events
}

func (h *Handle) deliver(message *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- message:
	case <-h.session.client.ctx.Done():
	}
}

func (h *Handle) end() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.session.client.handles.Remove(idKey(h.id))
	close(h.events)
}

// Message sends a plugin message with optional JSEP through the accociated
// handle. It returns once the gateway acknowledged the message.
func (h *Handle) Message(ctx context.Context, body interface{}, jsep *JSEP) error {
	_, err := h.session.client.request(ctx, &Message{
		Janus:     TypeMessage,
		SessionID: h.session.id,
		HandleID:  h.id,
		Body:      body,
		JSEP:      jsep,
	})
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", h.plugin, err)
	}
	return nil
}

// Detach detaches the accociated handle from its plugin.
func (h *Handle) Detach(ctx context.Context) error {
	_, err := h.session.client.request(ctx, &Message{
		Janus:     TypeDetach,
		SessionID: h.session.id,
		HandleID:  h.id,
	})
	h.end()
	if err != nil {
		return fmt.Errorf("failed to detach %s: %w", h.plugin, err)
	}
	return nil
}
