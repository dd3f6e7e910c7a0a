/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Settings holds the values of an optional settings file. Zero values mean
// not set.
type Settings struct {
	JanusURL               string
	ICEServers             []string
	JanusKeepAliveInterval time.Duration
	JanusRequestTimeout    time.Duration

	ReconnectMaxRetries int
	ReconnectDelay      time.Duration
	SendMaxRetries      int
	SendDelay           time.Duration
	AllowedOrigins      []string

	LogMaxSize    int
	LogMaxBackups int
}

// LoadSettings reads the settings file at the provided path.
func LoadSettings(path string) (*Settings, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return ParseSettings(f)
}

// ParseSettings extracts Settings from the provided ini file.
func ParseSettings(f *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := f.Section("janus")
	s.JanusURL = strings.TrimSpace(sec.Key("url").String())
	s.ICEServers = splitCommaSeparated(sec.Key("ice_servers").String())
	s.JanusKeepAliveInterval = sec.Key("keepalive_interval").MustDuration(0)
	s.JanusRequestTimeout = sec.Key("request_timeout").MustDuration(0)

	sec = f.Section("bridge")
	s.ReconnectMaxRetries = sec.Key("reconnect_max").MustInt(0)
	s.ReconnectDelay = sec.Key("reconnect_delay").MustDuration(0)
	s.SendMaxRetries = sec.Key("send_retry_max").MustInt(0)
	s.SendDelay = sec.Key("send_retry_delay").MustDuration(0)
	s.AllowedOrigins = splitCommaSeparated(sec.Key("allowed_origins").String())

	sec = f.Section("log")
	s.LogMaxSize = sec.Key("max_size").MustInt(100)
	s.LogMaxBackups = sec.Key("max_backups").MustInt(1)

	if s.ReconnectMaxRetries < 0 || s.SendMaxRetries < 0 {
		return nil, fmt.Errorf("retry bounds must not be negative")
	}

	return s, nil
}

// Apply copies all set values of the accociated Settings into the provided
// Config.
func (s *Settings) Apply(c *Config) error {
	if s.JanusURL != "" {
		u, err := url.Parse(s.JanusURL)
		if err != nil {
			return fmt.Errorf("invalid janus url in settings: %w", err)
		}
		c.JanusURI = u
	}
	if len(s.ICEServers) > 0 {
		c.ICEServers = s.ICEServers
	}
	if s.JanusKeepAliveInterval > 0 {
		c.JanusKeepAliveInterval = s.JanusKeepAliveInterval
	}
	if s.JanusRequestTimeout > 0 {
		c.JanusRequestTimeout = s.JanusRequestTimeout
	}
	if s.ReconnectMaxRetries > 0 {
		c.ReconnectMaxRetries = s.ReconnectMaxRetries
	}
	if s.ReconnectDelay > 0 {
		c.ReconnectDelay = s.ReconnectDelay
	}
	if s.SendMaxRetries > 0 {
		c.SendMaxRetries = s.SendMaxRetries
	}
	if s.SendDelay > 0 {
		c.SendDelay = s.SendDelay
	}
	if len(s.AllowedOrigins) > 0 {
		c.AllowedOrigins = s.AllowedOrigins
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
