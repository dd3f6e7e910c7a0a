/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"net/http"
)

// HealthCheckHandler returns 200 OK while the server and its SIP relay are
// running, otherwise 503 with the reason as body.
func (s *Server) HealthCheckHandler(rw http.ResponseWriter, req *http.Request) {
	if health := s.health; health != nil {
		if err := health(); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)
}
