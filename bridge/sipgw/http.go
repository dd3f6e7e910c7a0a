/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipgw

import (
	"net/http"

	api "stash.kopano.io/kwm/kwmsipbridge/bridge/api-v0"
	"stash.kopano.io/kwm/kwmsipbridge/internal/sipsession"
)

// SessionResource is the status of the SIP session.
type SessionResource struct {
	CallState    sipsession.CallState `json:"callState"`
	KnownState   bool                 `json:"knownState"`
	Registered   bool                 `json:"registered"`
	InCall       bool                 `json:"inCall"`
	Host         string               `json:"host"`
	HostID       string               `json:"hostId,omitempty"`
	HostReady    bool                 `json:"hostReady"`
	LocalTracks  []sipsession.Track   `json:"localTracks"`
	RemoteTracks []sipsession.Track   `json:"remoteTracks"`
}

// Resource returns the current status of the accociated manager's session.
func (m *Manager) Resource() *SessionResource {
	state := m.adapter.State()
	tracks := m.adapter.Tracks()
	resource := &SessionResource{
		CallState:    state,
		KnownState:   state.Known(),
		Registered:   m.adapter.IsRegistered(),
		InCall:       state.InCall(),
		HostReady:    m.bridge.WebviewReady(),
		LocalTracks:  tracks.Local(),
		RemoteTracks: tracks.Remote(),
	}
	if m.host.Connected() {
		resource.Host = m.config.HostTransport
	}
	if m.websocketHost != nil {
		resource.HostID = m.websocketHost.ConnectionID()
	}
	return resource
}

func (m *Manager) HTTPSessionHandler(rw http.ResponseWriter, req *http.Request) {
	resource := api.NewItemResource(m.Resource(), req)

	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) HTTPSessionTracksHandler(rw http.ResponseWriter, req *http.Request) {
	scope, _ := api.GetRequestVar(req, "scope")

	var tracks []sipsession.Track
	switch scope {
	case "local":
		tracks = m.adapter.Tracks().Local()
	case "remote":
		tracks = m.adapter.Tracks().Remote()
	default:
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageTrackScopeNotfound",
			"The specified track scope was not found",
			api.ErrNotFound,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return
	}

	resource := api.NewCollectionResource(tracks, req, nil)
	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) HTTPHostHandler(rw http.ResponseWriter, req *http.Request) {
	handler := m.HostHandler()
	if handler == nil {
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageHostTransportUnavailable",
			"The host is not connected via websocket",
			api.ErrUnavailable,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return
	}
	handler.ServeHTTP(rw, req)
}
