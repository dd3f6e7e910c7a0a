/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package janus

import (
	"encoding/json"
	"fmt"
)

// Janus API message types.
const (
	TypeCreate    = "create"
	TypeAttach    = "attach"
	TypeMessage   = "message"
	TypeKeepAlive = "keepalive"
	TypeDetach    = "detach"
	TypeDestroy   = "destroy"

	TypeSuccess  = "success"
	TypeError    = "error"
	TypeAck      = "ack"
	TypeEvent    = "event"
	TypeWebRTCUp = "webrtcup"
	TypeMedia    = "media"
	TypeSlowLink = "slowlink"
	TypeHangup   = "hangup"
	TypeDetached = "detached"
	TypeTimeout  = "timeout"
	TypeTrickle  = "trickle"
)

// Message is the container for all Janus websocket API messages, in both
// directions.
type Message struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction,omitempty"`
	SessionID   uint64 `json:"session_id,omitempty"`
	HandleID    uint64 `json:"handle_id,omitempty"`
	Sender      uint64 `json:"sender,omitempty"`

	Plugin string      `json:"plugin,omitempty"`
	Body   interface{} `json:"body,omitempty"`
	JSEP   *JSEP       `json:"jsep,omitempty"`

	Data       *SuccessData `json:"data,omitempty"`
	PluginData *PluginData  `json:"plugindata,omitempty"`
	Error      *Error       `json:"error,omitempty"`

	// media and slowlink.
	Type      string `json:"type,omitempty"`
	Media     string `json:"media,omitempty"`
	Receiving *bool  `json:"receiving,omitempty"`
	Uplink    bool   `json:"uplink,omitempty"`
	Lost      int    `json:"lost,omitempty"`

	// hangup.
	Reason string `json:"reason,omitempty"`
}

// SuccessData is the data of success responses to create and attach.
type SuccessData struct {
	ID uint64 `json:"id"`
}

// PluginData carries plugin specific payloads.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// JSEP is a session description exchanged with the gateway.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Error is an error reported by the gateway.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (err *Error) Error() string {
	return fmt.Sprintf("janus error %d: %s", err.Code, err.Reason)
}
