/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

// CallState is the state of the SIP session as last reported.
type CallState string

// Call states.
const (
	StateNotStarted   CallState = "not_started"
	StateInitializing CallState = "initializing"
	StateReady        CallState = "ready"
	StateRegistering  CallState = "registering"
	StateRegistered   CallState = "registered"
	StateCalling      CallState = "calling"
	StateRinging      CallState = "ringing"
	StateConnected    CallState = "connected"
	StateEnded        CallState = "ended"
	StateError        CallState = "error"
	StateDestroyed    CallState = "destroyed"
	StateCleaned      CallState = "cleaned"
)

var knownStates = map[CallState]bool{
	StateNotStarted:   true,
	StateInitializing: true,
	StateReady:        true,
	StateRegistering:  true,
	StateRegistered:   true,
	StateCalling:      true,
	StateRinging:      true,
	StateConnected:    true,
	StateEnded:        true,
	StateError:        true,
	StateDestroyed:    true,
	StateCleaned:      true,
}

// Known reports if the accociated state is one of the defined states. States
// taken verbatim from unknown plugin event names are not.
func (s CallState) Known() bool {
	return knownStates[s]
}

// InCall reports if the accociated state belongs to an active call.
func (s CallState) InCall() bool {
	switch s {
	case StateCalling, StateRinging, StateConnected:
		return true
	}
	return false
}

func (s CallState) String() string {
	return string(s)
}

// stateForEvent returns the call state for the provided plugin event name.
func stateForEvent(name string) CallState {
	switch name {
	case "registering":
		return StateRegistering
	case "registered":
		return StateRegistered
	case "registration_failed":
		return StateError
	case "unregistered":
		return StateReady
	case "calling":
		return StateCalling
	case "ringing", "progress", "incomingcall":
		return StateRinging
	case "accepted":
		return StateConnected
	case "hangup":
		return StateEnded
	}
	return CallState(name)
}
