/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"testing"
)

func TestStateForEvent(t *testing.T) {
	for name, state := range map[string]CallState{
		"registering":         StateRegistering,
		"registered":          StateRegistered,
		"registration_failed": StateError,
		"unregistered":        StateReady,
		"calling":             StateCalling,
		"ringing":             StateRinging,
		"progress":            StateRinging,
		"incomingcall":        StateRinging,
		"accepted":            StateConnected,
		"hangup":              StateEnded,
	} {
		if got := stateForEvent(name); got != state {
			t.Errorf("wrong state for %s: got %s want %s", name, got, state)
		}
		if !stateForEvent(name).Known() {
			t.Errorf("state for %s not known", name)
		}
	}

	if state := stateForEvent("updatingcall"); state != "updatingcall" || state.Known() {
		t.Errorf("unknown event name not taken verbatim: %s", state)
	}
}

func TestEventKindForName(t *testing.T) {
	if kind := eventKindForName("incomingcall"); kind != EventIncomingCall {
		t.Errorf("wrong kind: %s", kind)
	}
	if kind := eventKindForName("missed_call"); kind != EventUnknown {
		t.Errorf("unknown name not classified as unknown: %s", kind)
	}
}

func TestTrackRegistry(t *testing.T) {
	r := NewTrackRegistry()
	r.SetLocal("audio", "a", true)
	r.SetRemote("audio", "0", true)
	r.SetRemote("video", "1", true)
	r.SetRemote("video", "1", false)
	r.SetRemote("video", "1", true)

	if tracks := r.Remote(); len(tracks) != 2 || tracks[0].ID != "0" || tracks[1].Kind != "video" {
		t.Errorf("unexpected remote tracks: %v", tracks)
	}

	// Local and remote ids are separate scopes.
	r.SetLocal("audio", "0", true)
	r.SetLocal("audio", "a", false)
	if tracks := r.Local(); len(tracks) != 1 || tracks[0].ID != "0" {
		t.Errorf("unexpected local tracks: %v", tracks)
	}

	r.ClearRemote()
	if len(r.Remote()) != 0 || len(r.Local()) != 1 {
		t.Error("clear remote failed")
	}
	r.Clear()
	if len(r.Local()) != 0 {
		t.Error("clear failed")
	}
}
