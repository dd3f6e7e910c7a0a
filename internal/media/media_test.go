/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package media

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

const offerAudioVideo = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0 8\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n"

const offerAudioRejectedVideo = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"m=video 0 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n"

func TestHasMedia(t *testing.T) {
	audio, video, err := HasMedia(offerAudioVideo)
	if err != nil {
		t.Fatal(err)
	}
	if !audio || !video {
		t.Errorf("expected audio and video, got audio=%v video=%v", audio, video)
	}

	audio, video, err = HasMedia(offerAudioRejectedVideo)
	if err != nil {
		t.Fatal(err)
	}
	if !audio || video {
		t.Errorf("expected audio only, got audio=%v video=%v", audio, video)
	}
}

func TestHasMediaInvalid(t *testing.T) {
	if _, _, err := HasMedia("not a session description"); err == nil {
		t.Error("expected parse error")
	}
}

func TestSilenceFrame(t *testing.T) {
	frame := silenceFrame()
	if len(frame) != silenceFrameSamples {
		t.Fatalf("wrong frame size: got %d want %d", len(frame), silenceFrameSamples)
	}
	for i := 1; i < len(frame); i++ {
		if frame[i] != frame[0] {
			t.Fatalf("silence frame is not constant at %d", i)
		}
	}
}

func TestPeerCreateAudioOnlyOffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var mutex sync.Mutex
	var localTracks []bool
	consent := 0

	p, err := NewPeer(&Options{
		Logger: logger,
	}, &Handlers{
		OnConsentDialog: func(on bool) {
			mutex.Lock()
			defer mutex.Unlock()
			consent++
		},
		OnLocalTrack: func(kind string, trackID string, added bool) {
			mutex.Lock()
			defer mutex.Unlock()
			if kind != "audio" || trackID == "" {
				t.Errorf("unexpected local track %q %q", kind, trackID)
			}
			localTracks = append(localTracks, added)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	jsep, err := p.CreateOffer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if jsep.Type != "offer" {
		t.Errorf("wrong jsep type: %q", jsep.Type)
	}

	audio, video, err := HasMedia(jsep.SDP)
	if err != nil {
		t.Fatal(err)
	}
	if !audio || video {
		t.Errorf("offer must be audio only, got audio=%v video=%v", audio, video)
	}
	if !strings.Contains(jsep.SDP, "PCMU/8000") {
		t.Error("offer does not contain PCMU")
	}

	if err := p.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if _, err := p.CreateOffer(ctx); err != ErrClosed {
		t.Errorf("expected closed error, got %v", err)
	}

	mutex.Lock()
	defer mutex.Unlock()
	if consent != 2 {
		t.Errorf("consent dialog not shown and hidden: %d", consent)
	}
	if len(localTracks) != 2 || !localTracks[0] || localTracks[1] {
		t.Errorf("unexpected local track events: %v", localTracks)
	}
}
