/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package media drives the pion/webrtc peer connection which carries the
// audio of a SIP call between the daemon and the Janus gateway.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/internal/janus"
)

// ErrClosed is returned when using a closed Peer.
var ErrClosed = errors.New("peer closed")

// Options define the settings of a Peer.
type Options struct {
	Logger     logrus.FieldLogger
	ICEServers []string

	// RTPPackets counts received remote RTP packets, optional.
	RTPPackets prometheus.Counter
}

// Handlers receive the observable state changes of a Peer. All fields are
// optional.
type Handlers struct {
	OnConsentDialog func(on bool)
	OnLocalTrack    func(kind string, trackID string, added bool)
	OnRemoteTrack   func(kind string, mid string, added bool)
	OnICEState      func(state string)
}

// Peer is an audio-only peer connection towards the gateway.
type Peer struct {
	mutex deadlock.Mutex

	options  *Options
	logger   logrus.FieldLogger
	handlers *Handlers

	ctx    context.Context
	cancel context.CancelFunc

	pc     *webrtc.PeerConnection
	local  *webrtc.TrackLocalStaticSample
	closed bool
}

// NewPeer creates a new Peer with the provided options.
func NewPeer(options *Options, handlers *Handlers) (*Peer, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if handlers == nil {
		handlers = &Handlers{}
	}
	logger := options.Logger

	// PSTN gateways talk G.711, keep the offer to that.
	m := &webrtc.MediaEngine{}
	for _, codec := range []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 0,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMA,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 8,
		},
	} {
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register codec: %w", err)
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{logger},
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)

	configuration := webrtc.Configuration{}
	if len(options.ICEServers) > 0 {
		configuration.ICEServers = []webrtc.ICEServer{
			{URLs: options.ICEServers},
		}
	}
	pc, err := api.NewPeerConnection(configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		options:  options,
		logger:   logger,
		handlers: handlers,

		pc: pc,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.WithField("state", state).Debugln("ice connection state changed")
		if handlers.OnICEState != nil {
			handlers.OnICEState(state.String())
		}
	})
	pc.OnTrack(p.onTrack)

	return p, nil
}

// CreateOffer captures local audio and returns a complete offer, with all ICE
// candidates gathered, ready to be sent to the gateway.
func (p *Peer) CreateOffer(ctx context.Context) (*janus.JSEP, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if p.local == nil {
		if err := p.addLocalAudio(); err != nil {
			return nil, err
		}
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, fmt.Errorf("ice gathering incomplete: %w", ctx.Err())
	}

	description := p.pc.LocalDescription()
	return &janus.JSEP{
		Type: description.Type.String(),
		SDP:  description.SDP,
	}, nil
}

func (p *Peer) addLocalAudio() error {
	if p.handlers.OnConsentDialog != nil {
		p.handlers.OnConsentDialog(true)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: 8000,
		Channels:  1,
	}, uuid.NewString(), "kwmsipbridge")
	if p.handlers.OnConsentDialog != nil {
		p.handlers.OnConsentDialog(false)
	}
	if err != nil {
		return fmt.Errorf("failed to create local audio track: %w", err)
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add local audio track: %w", err)
	}
	p.local = track

	go p.readRTCP(sender)
	go func() {
		if silenceErr := newSilenceSource(track).run(p.ctx); silenceErr != nil {
			p.logger.WithError(silenceErr).Warnln("local audio source stopped")
		}
	}()

	if p.handlers.OnLocalTrack != nil {
		p.handlers.OnLocalTrack(track.Kind().String(), track.ID(), true)
	}
	return nil
}

// SetRemoteDescription applies the provided session description of the
// gateway.
func (p *Peer) SetRemoteDescription(jsep *janus.JSEP) error {
	if jsep == nil {
		return errors.New("no session description")
	}
	sdpType := webrtc.NewSDPType(jsep.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unsupported session description type: %q", jsep.Type)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return ErrClosed
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  jsep.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (p *Peer) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var mid string
	for _, transceiver := range p.pc.GetTransceivers() {
		if transceiver.Receiver() == receiver {
			mid = transceiver.Mid()
			break
		}
	}
	kind := track.Kind().String()

	logger := p.logger.WithFields(logrus.Fields{
		"kind": kind,
		"mid":  mid,
	})
	logger.Debugln("remote track added")
	if p.handlers.OnRemoteTrack != nil {
		p.handlers.OnRemoteTrack(kind, mid, true)
	}

	go func() {
		defer func() {
			logger.Debugln("remote track ended")
			if p.handlers.OnRemoteTrack != nil {
				p.handlers.OnRemoteTrack(kind, mid, false)
			}
		}()

		var packet *rtp.Packet
		var err error
		for {
			packet, _, err = track.ReadRTP()
			if err != nil {
				return
			}
			if p.options.RTPPackets != nil {
				p.options.RTPPackets.Inc()
			}
			if packet.Marker {
				logger.WithField("ssrc", packet.SSRC).Debugln("remote track talkspurt")
			}
		}
	}()
}

func (p *Peer) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					if report.FractionLost > 0 {
						p.logger.WithFields(logrus.Fields{
							"ssrc":          report.SSRC,
							"fraction_lost": report.FractionLost,
							"total_lost":    report.TotalLost,
						}).Debugln("gateway reports local audio loss")
					}
				}
			}
		}
	}
}

// Close stops local capture and closes the peer connection.
func (p *Peer) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	local := p.local
	p.local = nil
	p.mutex.Unlock()

	p.cancel()
	err := p.pc.Close()

	if local != nil && p.handlers.OnLocalTrack != nil {
		p.handlers.OnLocalTrack(local.Kind().String(), local.ID(), false)
	}
	return err
}
