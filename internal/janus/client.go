/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orcaman/concurrent-map"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmsipbridge/internal/bpool"
)

const (
	websocketMaxMessageSize = 1048576
	websocketSubprotocol    = "janus-protocol"

	maxChSize = 100
)

// Errors returned by the Client.
var (
	ErrClosed         = errors.New("janus connection closed")
	ErrSessionTimeout = errors.New("janus session timeout")
	ErrDestroyed      = errors.New("janus session destroyed")
)

// Options define the settings of a Client.
type Options struct {
	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
}

// Client is a connection to the Janus websocket API.
type Client struct {
	options *Options
	logger  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn

	pending  cmap.ConcurrentMap // Holds response channels by transaction.
	sessions cmap.ConcurrentMap
	handles  cmap.ConcurrentMap

	mutex deadlock.RWMutex
	done  chan struct{}
	err   error
}

// Dial connects to the Janus websocket API at the provided URL.
func Dial(ctx context.Context, uri string, options *Options) (*Client, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}

	wsURI, err := AsWebsocketURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse janus URL: %w", err)
	}

	ws, _, err := websocket.Dial(ctx, wsURI, &websocket.DialOptions{
		HTTPClient:   options.HTTPClient,
		Subprotocols: []string{websocketSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect janus websocket: %w", err)
	}
	ws.SetReadLimit(websocketMaxMessageSize)

	c := &Client{
		options: options,
		logger:  options.Logger,

		ws: ws,

		pending:  cmap.New(),
		sessions: cmap.New(),
		handles:  cmap.New(),

		done: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go func() {
		c.logger.Debugln("janus connection established")
		readPumpErr := c.readPump() // This blocks.
		c.shutdown(readPumpErr)
	}()

	return c, nil
}

// Done returns a channel which is closed when the accociated connection ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason why the accociated connection ended.
func (c *Client) Err() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.err
}

// Close closes the accociated connection.
func (c *Client) Close() error {
	closeErr := c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	if closeErr != nil {
		c.logger.WithError(closeErr).Debugln("janus connection close")
	}
	return nil
}

func (c *Client) shutdown(err error) {
	c.mutex.Lock()
	if err == nil {
		err = ErrClosed
	}
	c.err = err
	c.mutex.Unlock()

	c.cancel()
	close(c.done)

	for _, v := range c.sessions.Items() {
		v.(*Session).end(err)
	}
}

func (c *Client) readPump() error {
	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = c.ws.Reader(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.logger.WithField("status_code", websocket.CloseStatus(err)).Debugln("janus connection close")
				return nil
			}
			c.logger.WithError(err).Errorln("janus connection failed to get reader")
			return err
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			return fmt.Errorf("janus reader read error: %w", err)
		}

		switch mt {
		case websocket.MessageText:
		default:
			bpool.Put(b)
			c.logger.WithField("message_type", mt).Warnln("janus connection received unknown websocket message type")
			continue
		}

		message := &Message{}
		err = json.Unmarshal(b.Bytes(), message)
		bpool.Put(b)
		if err != nil {
			c.logger.WithError(err).Errorln("janus websocket message parse error")
			continue
		}

		c.dispatch(message)
	}
}

func (c *Client) dispatch(message *Message) {
	switch message.Janus {
	case TypeSuccess, TypeError, TypeAck:
		if message.Transaction != "" {
			if v, ok := c.pending.Pop(message.Transaction); ok {
				v.(chan *Message) <- message
				return
			}
		}
		if message.Janus == TypeAck {
			return
		}
	case TypeTimeout:
		if v, ok := c.sessions.Get(idKey(message.SessionID)); ok {
			v.(*Session).end(ErrSessionTimeout)
		}
		return
	}

	if message.Sender == 0 {
		c.logger.WithFields(logrus.Fields{
			"type":        message.Janus,
			"transaction": message.Transaction,
		}).Warnln("janus message without receiver ignored")
		return
	}

	v, ok := c.handles.Get(idKey(message.Sender))
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"type":   message.Janus,
			"sender": message.Sender,
		}).Debugln("janus message for unknown handle ignored")
		return
	}
	handle := v.(*Handle)
	handle.deliver(message)
	if message.Janus == TypeDetached {
		handle.end()
	}
}

func (c *Client) write(ctx context.Context, message *Message) error {
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode janus %s request: %w", message.Janus, err)
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// request sends the provided message with a new transaction and waits for
// the first response to it.
func (c *Client) request(ctx context.Context, message *Message) (*Message, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	message.Transaction = newTransactionID()
	responseCh := make(chan *Message, 1)
	c.pending.Set(message.Transaction, responseCh)
	defer c.pending.Remove(message.Transaction)

	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	if err := c.write(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to send janus %s request: %w", message.Janus, err)
	}

	select {
	case response := <-responseCh:
		if response.Janus == TypeError {
			if response.Error != nil {
				return response, response.Error
			}
			return response, fmt.Errorf("janus %s request failed", message.Janus)
		}
		return response, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("janus %s request failed: %w", message.Janus, ctx.Err())
	case <-c.done:
		return nil, ErrClosed
	}
}

// Create creates a new Janus session.
func (c *Client) Create(ctx context.Context) (*Session, error) {
	response, err := c.request(ctx, &Message{
		Janus: TypeCreate,
	})
	if err != nil {
		return nil, err
	}
	if response.Data == nil || response.Data.ID == 0 {
		return nil, errors.New("janus create response without session id")
	}

	session := newSession(c, response.Data.ID)
	c.sessions.Set(idKey(session.id), session)
	c.logger.WithField("session_id", session.id).Debugln("janus session created")

	if c.options.KeepAliveInterval > 0 {
		go session.keepAlive(c.options.KeepAliveInterval)
	}

	return session, nil
}
