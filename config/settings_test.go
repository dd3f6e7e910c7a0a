/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"testing"
	"time"

	"gopkg.in/ini.v1"
)

const testSettings = `
[janus]
url = wss://janus.example.org:8989/
ice_servers = stun:stun.example.org:3478, turn:turn.example.org:3478
request_timeout = 3s

[bridge]
reconnect_max = 5
reconnect_delay = 2s
send_retry_delay = 250ms
allowed_origins = https://webview.example.org, null
`

func TestParseSettings(t *testing.T) {
	f, err := ini.Load([]byte(testSettings))
	if err != nil {
		t.Fatal(err)
	}
	s, err := ParseSettings(f)
	if err != nil {
		t.Fatal(err)
	}

	if s.JanusURL != "wss://janus.example.org:8989/" {
		t.Errorf("wrong janus url: %q", s.JanusURL)
	}
	if len(s.ICEServers) != 2 || s.ICEServers[1] != "turn:turn.example.org:3478" {
		t.Errorf("wrong ice servers: %v", s.ICEServers)
	}
	if s.ReconnectMaxRetries != 5 {
		t.Errorf("wrong reconnect max: %d", s.ReconnectMaxRetries)
	}
	if s.SendDelay != 250*time.Millisecond {
		t.Errorf("wrong send delay: %v", s.SendDelay)
	}
	if len(s.AllowedOrigins) != 2 || s.AllowedOrigins[0] != "https://webview.example.org" || s.AllowedOrigins[1] != "null" {
		t.Errorf("wrong allowed origins: %v", s.AllowedOrigins)
	}
}

func TestSettingsApplyKeepsDefaults(t *testing.T) {
	f, err := ini.Load([]byte(testSettings))
	if err != nil {
		t.Fatal(err)
	}
	s, err := ParseSettings(f)
	if err != nil {
		t.Fatal(err)
	}

	c := New(nil)
	if err := s.Apply(c); err != nil {
		t.Fatal(err)
	}

	if c.JanusURI.Host != "janus.example.org:8989" {
		t.Errorf("wrong janus host: %q", c.JanusURI.Host)
	}
	if c.ReconnectDelay != 2*time.Second {
		t.Errorf("wrong reconnect delay: %v", c.ReconnectDelay)
	}
	if c.SendMaxRetries != DefaultSendMaxRetries {
		t.Errorf("send retries changed: %d", c.SendMaxRetries)
	}
	if len(c.AllowedOrigins) != 2 {
		t.Errorf("allowed origins not applied: %v", c.AllowedOrigins)
	}
	if c.JanusKeepAliveInterval != DefaultJanusKeepAliveInterval {
		t.Errorf("keepalive interval changed: %v", c.JanusKeepAliveInterval)
	}
}

func TestDefaults(t *testing.T) {
	c := New(nil)
	if c.ReconnectMaxRetries != 3 || c.ReconnectDelay != 5*time.Second {
		t.Errorf("wrong reconnect policy: %d x %v", c.ReconnectMaxRetries, c.ReconnectDelay)
	}
	if c.SendMaxRetries != 3 || c.SendDelay != time.Second {
		t.Errorf("wrong send policy: %d x %v", c.SendMaxRetries, c.SendDelay)
	}
	if len(c.ICEServers) != 2 {
		t.Errorf("expected two ice servers, got %v", c.ICEServers)
	}
}
