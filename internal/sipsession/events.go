/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"encoding/json"
)

// EventKind identifies the kind of an Event.
type EventKind int

// Event kinds. Events raised from plugin event names are classified by
// eventKindForName, everything not known there is EventUnknown.
const (
	EventUnknown EventKind = iota

	EventSessionReady
	EventSessionError
	EventSessionDestroyed
	EventAttached
	EventAttachError
	EventDetached
	EventDetachError
	EventCleanup

	EventPluginError
	EventStatus
	EventRegistered
	EventRegistrationError
	EventUnregistered
	EventCallInitiated
	EventCallError
	EventCalling
	EventIncomingCall
	EventProgress
	EventAccepted
	EventHangup

	EventJSEPSuccess
	EventJSEPError
	EventLocalTrack
	EventRemoteTrack
	EventWebRTCState
	EventMediaState
	EventSlowLink
	EventICEState
	EventConsentDialog
)

var eventKindNames = map[EventKind]string{
	EventUnknown:           "unknown",
	EventSessionReady:      "session_ready",
	EventSessionError:      "session_error",
	EventSessionDestroyed:  "session_destroyed",
	EventAttached:          "attached",
	EventAttachError:       "attach_error",
	EventDetached:          "detached",
	EventDetachError:       "detach_error",
	EventCleanup:           "cleanup",
	EventPluginError:       "plugin_error",
	EventStatus:            "status",
	EventRegistered:        "registered",
	EventRegistrationError: "registration_error",
	EventUnregistered:      "unregistered",
	EventCallInitiated:     "call_initiated",
	EventCallError:         "call_error",
	EventCalling:           "calling",
	EventIncomingCall:      "incoming_call",
	EventProgress:          "progress",
	EventAccepted:          "accepted",
	EventHangup:            "hangup",
	EventJSEPSuccess:       "jsep_success",
	EventJSEPError:         "jsep_error",
	EventLocalTrack:        "local_track",
	EventRemoteTrack:       "remote_track",
	EventWebRTCState:       "webrtc_state",
	EventMediaState:        "media_state",
	EventSlowLink:          "slow_link",
	EventICEState:          "ice_state",
	EventConsentDialog:     "consent_dialog",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "invalid"
}

// eventKindForName classifies SIP plugin event names.
func eventKindForName(name string) EventKind {
	switch name {
	case "registering":
		return EventStatus
	case "registered":
		return EventRegistered
	case "registration_failed":
		return EventRegistrationError
	case "unregistered":
		return EventUnregistered
	case "calling":
		return EventCalling
	case "incomingcall":
		return EventIncomingCall
	case "progress", "ringing":
		return EventProgress
	case "accepted":
		return EventAccepted
	case "hangup":
		return EventHangup
	}
	return EventUnknown
}

// Event is raised by the Adapter for everything observable about the session.
// Only the fields relevant for the Kind are set.
type Event struct {
	Kind EventKind

	// State is the call state at the time the event was raised.
	State CallState

	// Name is the plugin event name, if raised from a plugin event.
	Name string

	Err     error
	Details string
	Code    int

	// Terminal is set on EventSessionError when no further automatic
	// reconnect happens.
	Terminal bool

	Status      string
	PhoneNumber string
	From        string
	CallID      string
	Reason      string
	HasAudio    bool
	HasVideo    bool
	Data        json.RawMessage

	TrackKind string
	TrackID   string
	Added     bool

	Connected bool
	Media     string
	Receiving bool
	Uplink    bool
	Lost      int
}

// ErrorString returns the text of Err, or an empty string.
func (e *Event) ErrorString() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
