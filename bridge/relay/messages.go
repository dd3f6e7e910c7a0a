/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"encoding/json"
	"fmt"

	"stash.kopano.io/kwm/kwmsipbridge/internal/sipsession"
)

// Host to bridge message types.
const (
	TypeWebviewReady  = "WEBVIEW_READY"
	TypeRegisterSIP   = "REGISTER_SIP"
	TypeUnregisterSIP = "UNREGISTER_SIP"
	TypeMakeCall      = "MAKE_CALL"
	TypeEndCall       = "END_CALL"
)

// Bridge to host message types.
const (
	TypeReactAppReady       = "REACT_APP_READY"
	TypeAppMounted          = "APP_MOUNTED"
	TypeAppUnmounted        = "APP_UNMOUNTED"
	TypeJanusReady          = "JANUS_READY"
	TypeJanusError          = "JANUS_ERROR"
	TypeJanusDestroyed      = "JANUS_DESTROYED"
	TypeSIPReady            = "SIP_READY"
	TypeSIPError            = "SIP_ERROR"
	TypeSIPCleanup          = "SIP_CLEANUP"
	TypeSIPDetached         = "SIP_DETACHED"
	TypeDetachError         = "DETACH_ERROR"
	TypeRegistrationError   = "REGISTRATION_ERROR"
	TypeRegistrationSuccess = "REGISTRATION_SUCCESS"
	TypeUnregistered        = "UNREGISTERED"
	TypeCallInitiated       = "CALL_INITIATED"
	TypeCallError           = "CALL_ERROR"
	TypeCalling             = "CALLING"
	TypeIncomingCall        = "INCOMING_CALL"
	TypeCallProgress        = "CALL_PROGRESS"
	TypeCallAccepted        = "CALL_ACCEPTED"
	TypeCallEnded           = "CALL_ENDED"
	TypeSIPStatus           = "SIP_STATUS"
	TypeJSEPSuccess         = "JSEP_SUCCESS"
	TypeJSEPError           = "JSEP_ERROR"
	TypeLocalTrackReady     = "LOCAL_TRACK_READY"
	TypeRemoteTrackReady    = "REMOTE_TRACK_READY"
	TypeWebRTCState         = "WEBRTC_STATE"
	TypeMediaState          = "MEDIA_STATE"
	TypeSlowLink            = "SLOW_LINK"
	TypeICEState            = "ICE_STATE"
	TypeConsentDialog       = "CONSENT_DIALOG"
)

// Message is the envelope of all messages exchanged with the host, in both
// directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a Message with the provided payload encoded. The
// payload is encoded once, so a Message never changes afterwards.
func NewMessage(messageType string, payload interface{}) (*Message, error) {
	message := &Message{
		Type: messageType,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", messageType, err)
		}
		message.Payload = b
	}
	return message, nil
}

type errorPayload struct {
	Error        string `json:"error"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Code         int    `json:"code,omitempty"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type callStatePayload struct {
	CallState sipsession.CallState `json:"callState"`
}

type sipStatusPayload struct {
	Status    string               `json:"status"`
	Data      json.RawMessage      `json:"data,omitempty"`
	CallState sipsession.CallState `json:"callState"`
}

type callInitiatedPayload struct {
	PhoneNumber string               `json:"phoneNumber"`
	CallState   sipsession.CallState `json:"callState"`
}

type callErrorPayload struct {
	Error     string               `json:"error"`
	CallState sipsession.CallState `json:"callState"`
}

type incomingCallPayload struct {
	From     string `json:"from"`
	HasAudio bool   `json:"hasAudio"`
	HasVideo bool   `json:"hasVideo"`
	CallID   string `json:"callId"`
}

type callEndedPayload struct {
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

type localTrackPayload struct {
	Kind    string `json:"kind"`
	TrackID string `json:"trackId"`
	State   string `json:"state"`
}

type remoteTrackPayload struct {
	Kind  string `json:"kind"`
	Mid   string `json:"mid"`
	State string `json:"state"`
}

type webRTCStatePayload struct {
	IsConnected bool `json:"isConnected"`
}

type mediaStateData struct {
	Type      string `json:"type"`
	Receiving bool   `json:"receiving"`
}

type slowLinkData struct {
	Media  string `json:"media,omitempty"`
	Uplink bool   `json:"uplink"`
	Lost   int    `json:"lost"`
}

type statePayload struct {
	State interface{} `json:"state"`
}

type makeCallPayload struct {
	PhoneNumber string `json:"phoneNumber"`
}

var emptyPayload = struct{}{}

func trackState(added bool) string {
	if added {
		return "added"
	}
	return "removed"
}

// messageForEvent maps session events to the host message vocabulary.
func messageForEvent(event *sipsession.Event) (string, interface{}) {
	switch event.Kind {
	case sipsession.EventSessionReady:
		return TypeJanusReady, emptyPayload
	case sipsession.EventSessionError:
		return TypeJanusError, &errorPayload{
			Error:        event.ErrorString(),
			ErrorDetails: event.Details,
			Code:         event.Code,
		}
	case sipsession.EventSessionDestroyed:
		return TypeJanusDestroyed, emptyPayload
	case sipsession.EventAttached:
		return TypeSIPReady, emptyPayload
	case sipsession.EventAttachError, sipsession.EventPluginError:
		return TypeSIPError, &errorPayload{
			Error:        event.ErrorString(),
			ErrorDetails: event.Details,
			Code:         event.Code,
		}
	case sipsession.EventDetached:
		return TypeSIPDetached, emptyPayload
	case sipsession.EventDetachError:
		return TypeDetachError, &errorPayload{
			Error: event.ErrorString(),
		}
	case sipsession.EventCleanup:
		return TypeSIPCleanup, emptyPayload

	case sipsession.EventRegistered:
		return TypeRegistrationSuccess, &statusPayload{event.Status}
	case sipsession.EventRegistrationError:
		return TypeRegistrationError, &errorPayload{
			Error: event.ErrorString(),
		}
	case sipsession.EventUnregistered:
		return TypeUnregistered, &statusPayload{event.Status}
	case sipsession.EventCallInitiated:
		return TypeCallInitiated, &callInitiatedPayload{
			PhoneNumber: event.PhoneNumber,
			CallState:   event.State,
		}
	case sipsession.EventCallError:
		return TypeCallError, &callErrorPayload{
			Error:     event.ErrorString(),
			CallState: event.State,
		}
	case sipsession.EventCalling:
		return TypeCalling, &statusPayload{event.Status}
	case sipsession.EventIncomingCall:
		return TypeIncomingCall, &incomingCallPayload{
			From:     event.From,
			HasAudio: event.HasAudio,
			HasVideo: event.HasVideo,
			CallID:   event.CallID,
		}
	case sipsession.EventProgress:
		return TypeCallProgress, &statusPayload{event.Status}
	case sipsession.EventAccepted:
		return TypeCallAccepted, &statusPayload{event.Status}
	case sipsession.EventHangup:
		return TypeCallEnded, &callEndedPayload{
			Reason: event.Reason,
			Code:   event.Code,
		}
	case sipsession.EventStatus, sipsession.EventUnknown:
		return TypeSIPStatus, &sipStatusPayload{
			Status:    event.Status,
			Data:      event.Data,
			CallState: event.State,
		}

	case sipsession.EventJSEPSuccess:
		return TypeJSEPSuccess, &callStatePayload{event.State}
	case sipsession.EventJSEPError:
		return TypeJSEPError, &errorPayload{
			Error: event.ErrorString(),
		}
	case sipsession.EventLocalTrack:
		return TypeLocalTrackReady, &localTrackPayload{
			Kind:    event.TrackKind,
			TrackID: event.TrackID,
			State:   trackState(event.Added),
		}
	case sipsession.EventRemoteTrack:
		return TypeRemoteTrackReady, &remoteTrackPayload{
			Kind:  event.TrackKind,
			Mid:   event.TrackID,
			State: trackState(event.Added),
		}
	case sipsession.EventWebRTCState:
		return TypeWebRTCState, &webRTCStatePayload{event.Connected}
	case sipsession.EventMediaState:
		return TypeMediaState, &statePayload{&mediaStateData{
			Type:      event.Media,
			Receiving: event.Receiving,
		}}
	case sipsession.EventSlowLink:
		return TypeSlowLink, &statePayload{&slowLinkData{
			Media:  event.Media,
			Uplink: event.Uplink,
			Lost:   event.Lost,
		}}
	case sipsession.EventICEState:
		return TypeICEState, &statePayload{event.Status}
	case sipsession.EventConsentDialog:
		return TypeConsentDialog, emptyPayload
	}

	return "", nil
}
