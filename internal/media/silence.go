/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/zaf/g711"
)

const (
	silenceFrameDuration = 20 * time.Millisecond
	silenceFrameSamples  = 160 // 8 kHz for 20 ms.
)

// silenceFrame returns one PCMU encoded frame of silence.
func silenceFrame() []byte {
	lpcm := make([]byte, silenceFrameSamples*2) // 16 bit little endian samples.
	return g711.EncodeUlaw(lpcm)
}

// silenceSource feeds the local audio track. There is no capture device in
// the daemon, the gateway still needs a flowing RTP stream.
type silenceSource struct {
	track *webrtc.TrackLocalStaticSample
	frame []byte
}

func newSilenceSource(track *webrtc.TrackLocalStaticSample) *silenceSource {
	return &silenceSource{
		track: track,
		frame: silenceFrame(),
	}
}

func (s *silenceSource) run(ctx context.Context) error {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.track.WriteSample(pionmedia.Sample{
				Data:     s.frame,
				Duration: silenceFrameDuration,
			}); err != nil {
				return err
			}
		}
	}
}
