/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package host

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/bridge/relay"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebsocketHost accepts the host container as websocket client. Only one
// host is active at a time, a new connection replaces the current one.
type WebsocketHost struct {
	logger         logrus.FieldLogger
	upgrader       websocket.Upgrader
	allowedOrigins []string

	mutex  deadlock.RWMutex
	active *conn

	messages chan *relay.Message
}

type conn struct {
	id     string
	ws     *websocket.Conn
	logger logrus.FieldLogger

	mutex deadlock.Mutex
}

// NewWebsocketHost creates a new WebsocketHost with the provided options.
func NewWebsocketHost(options *Options) *WebsocketHost {
	h := &WebsocketHost{
		logger:         options.Logger,
		allowedOrigins: options.AllowedOrigins,

		messages: make(chan *relay.Message, maxChSize),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without Origin header, from the same origin and
// from the configured allowed origins.
func (h *WebsocketHost) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, req.Host) {
		return true
	}
	h.logger.WithField("origin", origin).Warnln("host websocket origin not allowed")
	return false
}

// ServeHTTP implements the http.Handler interface, upgrading the request to
// the host websocket connection.
func (h *WebsocketHost) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		h.logger.WithError(err).Debugln("host websocket upgrade failed")
		return
	}

	c := &conn{
		id: uuid.NewString(),
		ws: ws,
	}
	c.logger = h.logger.WithFields(logrus.Fields{
		"host_id":     c.id,
		"remote_addr": req.RemoteAddr,
	})

	h.mutex.Lock()
	previous := h.active
	h.active = c
	h.mutex.Unlock()
	if previous != nil {
		previous.logger.Infoln("host replaced by new connection")
		previous.close(websocket.CloseGoingAway, "replaced")
	}

	c.logger.Infoln("host connected")
	if err = c.write(readyMessage()); err != nil {
		c.logger.WithError(err).Warnln("host ready message failed")
	}

	stop := make(chan struct{})
	go c.pinger(stop)
	h.readPump(c) // This blocks.
	close(stop)

	h.mutex.Lock()
	if h.active == c {
		h.active = nil
	}
	h.mutex.Unlock()
	c.close(websocket.CloseNormalClosure, "")
	c.logger.Infoln("host disconnected")
}

func (h *WebsocketHost) readPump(c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warnln("host websocket read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			c.logger.WithField("message_type", mt).Warnln("host sent unknown websocket message type")
			continue
		}

		message := &relay.Message{}
		if err = json.Unmarshal(b, message); err != nil {
			c.logger.WithError(err).Warnln("host message parse error")
			continue
		}
		h.messages <- message
	}
}

// Messages implements the relay.Host interface.
func (h *WebsocketHost) Messages() <-chan *relay.Message {
	return h.messages
}

// Send implements the relay.Host interface.
func (h *WebsocketHost) Send(message *relay.Message) error {
	h.mutex.RLock()
	c := h.active
	h.mutex.RUnlock()
	if c == nil {
		return ErrNoHost
	}
	return c.write(message)
}

// Connected reports if a host is connected.
func (h *WebsocketHost) Connected() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.active != nil
}

// ConnectionID returns the id of the active host connection.
func (h *WebsocketHost) ConnectionID() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.active == nil {
		return ""
	}
	return h.active.id
}

// Close closes the active host connection.
func (h *WebsocketHost) Close() error {
	h.mutex.Lock()
	c := h.active
	h.active = nil
	h.mutex.Unlock()
	if c != nil {
		c.close(websocket.CloseGoingAway, "shutdown")
	}
	return nil
}

func (c *conn) write(message *relay.Message) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(message)
}

func (c *conn) pinger(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) close(code int, reason string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.ws.Close()
}
