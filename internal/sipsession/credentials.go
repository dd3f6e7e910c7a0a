/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const sipPrefix = "sip:"

// Credentials are the registration credentials of a SIP account.
type Credentials struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AuthUser    string `json:"authuser,omitempty"`
	Secret      string `json:"secret,omitempty"`
	Proxy       string `json:"proxy,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
}

// Merge returns a copy of the accociated credentials with all non empty
// values of other applied over it.
func (c Credentials) Merge(other *Credentials) Credentials {
	if other == nil {
		return c
	}
	if other.Username != "" {
		c.Username = other.Username
	}
	if other.DisplayName != "" {
		c.DisplayName = other.DisplayName
	}
	if other.AuthUser != "" {
		c.AuthUser = other.AuthUser
	}
	if other.Secret != "" {
		c.Secret = other.Secret
	}
	if other.Proxy != "" {
		c.Proxy = other.Proxy
	}
	if other.UserAgent != "" {
		c.UserAgent = other.UserAgent
	}
	return c
}

// Domain returns the SIP domain (host with optional port) of the proxy.
func (c *Credentials) Domain() string {
	domain := c.Proxy
	if idx := strings.Index(domain, sipPrefix); idx >= 0 {
		domain = domain[idx+len(sipPrefix):]
	}
	return domain
}

// CallURI builds the SIP URI to call the provided number at the proxy domain.
func (c *Credentials) CallURI(number string) (string, error) {
	if number == "" {
		return "", ErrMissingNumber
	}
	domain := c.Domain()
	if domain == "" {
		return "", errors.New("no proxy domain")
	}

	var proxy sip.Uri
	if err := sip.ParseUri(sipPrefix+domain, &proxy); err != nil {
		return "", fmt.Errorf("invalid proxy domain %q: %w", domain, err)
	}

	uri := sip.Uri{
		Scheme: "sip",
		User:   number,
		Host:   proxy.Host,
		Port:   proxy.Port,
	}
	return uri.String(), nil
}

func (c *Credentials) registerRequest() map[string]interface{} {
	request := map[string]interface{}{
		"request":  "register",
		"username": c.Username,
		"register": true,
	}
	if c.DisplayName != "" {
		request["display_name"] = c.DisplayName
	}
	if c.AuthUser != "" {
		request["authuser"] = c.AuthUser
	}
	if c.Secret != "" {
		request["secret"] = c.Secret
	}
	if c.Proxy != "" {
		request["proxy"] = c.Proxy
	}
	if c.UserAgent != "" {
		request["user_agent"] = c.UserAgent
	}
	return request
}
