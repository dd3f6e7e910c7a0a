/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/bridge"
	"stash.kopano.io/kwm/kwmsipbridge/bridge/odata"
	"stash.kopano.io/kwm/kwmsipbridge/bridge/sipgw"
)

const (
	URIPrefix = "/api/kwmsipbridge/v0"
)

// HTTPService binds the HTTP router with handlers for kwmsipbridge API v0.
type HTTPService struct {
	logger   logrus.FieldLogger
	services *bridge.Services
}

// NewHTTPService creates a new HTTPService  with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, services *bridge.Services) *HTTPService {
	return &HTTPService{
		logger:   logger,
		services: services,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()

	if sipgwm, ok := h.services.SIPGatewayManager.(*sipgw.Manager); ok {
		resourceChain := chain.Append(odata.WithOData)

		// /api/kwmsipbridge/v0/session
		// /api/kwmsipbridge/v0/session/tracks/:scope
		v0.Handle("/session", resourceChain.ThenFunc(sipgwm.HTTPSessionHandler)).Methods(http.MethodGet)
		v0.Handle("/session/tracks/{scope}", resourceChain.ThenFunc(sipgwm.HTTPSessionTracksHandler)).Methods(http.MethodGet)

		// /api/kwmsipbridge/v0/host
		// Not wrapped, the websocket upgrade needs the original response writer.
		v0.Handle("/host", http.HandlerFunc(sipgwm.HTTPHostHandler))
	}

	return router
}

// NumActive returns the number of the currently active connections at the
// accociated HTTPService.
func (h *HTTPService) NumActive() (active uint64) {
	for _, service := range h.services.Services() {
		active += service.NumActive()
	}

	return active
}
