/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"context"
	"fmt"

	"stash.kopano.io/kwm/kwmsipbridge/internal/janus"
	"stash.kopano.io/kwm/kwmsipbridge/internal/media"
)

// PluginName is the name of the Janus SIP plugin.
const PluginName = "janus.plugin.sip"

// Gateway opens signaling sessions.
type Gateway interface {
	Connect(ctx context.Context) (GatewaySession, error)
}

// GatewaySession is a signaling session which can attach plugins.
type GatewaySession interface {
	Attach(ctx context.Context, plugin string) (PluginHandle, error)
	Destroy(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// PluginHandle is an attached signaling plugin.
type PluginHandle interface {
	Message(ctx context.Context, body interface{}, jsep *janus.JSEP) error
	Detach(ctx context.Context) error
	Events() <-chan *janus.Message
}

// Peer is the media peer connection of a call.
type Peer interface {
	CreateOffer(ctx context.Context) (*janus.JSEP, error)
	SetRemoteDescription(jsep *janus.JSEP) error
	Close() error
}

// PeerFactory creates a Peer reporting to the provided handlers.
type PeerFactory func(handlers *media.Handlers) (Peer, error)

// NewMediaPeerFactory returns a PeerFactory creating media peers with the
// provided options.
func NewMediaPeerFactory(options *media.Options) PeerFactory {
	return func(handlers *media.Handlers) (Peer, error) {
		peer, err := media.NewPeer(options, handlers)
		if err != nil {
			return nil, err
		}
		return peer, nil
	}
}

// JanusGateway is a Gateway connecting to the Janus websocket API. Every
// session gets its own connection.
type JanusGateway struct {
	URI     string
	Options *janus.Options
}

// Connect implements the Gateway interface.
func (g *JanusGateway) Connect(ctx context.Context) (GatewaySession, error) {
	client, err := janus.Dial(ctx, g.URI, g.Options)
	if err != nil {
		return nil, err
	}

	session, err := client.Create(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create janus session: %w", err)
	}

	return &janusSession{
		client:  client,
		Session: session,
	}, nil
}

type janusSession struct {
	*janus.Session
	client *janus.Client
}

func (s *janusSession) Attach(ctx context.Context, plugin string) (PluginHandle, error) {
	handle, err := s.Session.Attach(ctx, plugin)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *janusSession) Destroy(ctx context.Context) error {
	defer s.client.Close()
	return s.Session.Destroy(ctx)
}
