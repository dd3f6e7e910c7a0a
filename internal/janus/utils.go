/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package janus

import (
	"net/url"
	"strconv"

	"github.com/rogpeppe/fastuuid"
)

var guidGenerator = fastuuid.MustNewGenerator()

func newTransactionID() string {
	return guidGenerator.Hex128()
}

// AsWebsocketURL returns the provided URL with its http scheme replaced by the
// matching websocket scheme.
func AsWebsocketURL(uriString string) (string, error) {
	uri, err := url.Parse(uriString)
	if err != nil {
		return "", err
	}

	switch uri.Scheme {
	case "https":
		uri.Scheme = "wss"
	case "http":
		uri.Scheme = "ws"
	}

	return uri.String(), nil
}

func idKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
