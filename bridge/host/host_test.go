/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/bridge/relay"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	uri := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(uri, nil)
	if err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func dialWithOrigin(srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	uri := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("Origin", origin)
	return websocket.DefaultDialer.Dial(uri, header)
}

func readMessage(t *testing.T, ws *websocket.Conn) *relay.Message {
	t.Helper()
	message := &relay.Message{}
	if err := ws.ReadJSON(message); err != nil {
		t.Fatal(err)
	}
	return message
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketHost(t *testing.T) {
	h := NewWebsocketHost(&Options{Logger: logger})
	srv := httptest.NewServer(h)
	defer srv.Close()

	if err := h.Send(readyMessage()); !errors.Is(err, ErrNoHost) {
		t.Errorf("expected no host error, got %v", err)
	}

	ws := dial(t, srv)
	defer ws.Close()

	if message := readMessage(t, ws); message.Type != relay.TypeReactAppReady {
		t.Errorf("unexpected first message: %s", message.Type)
	}
	if !h.Connected() || h.ConnectionID() == "" {
		t.Error("host not connected")
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"MAKE_CALL","payload":{"phoneNumber":"5551234"}}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case message := <-h.Messages():
		if message.Type != relay.TypeMakeCall || string(message.Payload) != `{"phoneNumber":"5551234"}` {
			t.Errorf("unexpected message: %s %s", message.Type, message.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	outbound, err := relay.NewMessage(relay.TypeICEState, map[string]string{"state": "connected"})
	if err != nil {
		t.Fatal(err)
	}
	if err = h.Send(outbound); err != nil {
		t.Fatal(err)
	}
	if message := readMessage(t, ws); message.Type != relay.TypeICEState || string(message.Payload) != `{"state":"connected"}` {
		t.Errorf("unexpected message: %s %s", message.Type, message.Payload)
	}

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitFor(t, func() bool {
		return !h.Connected()
	})
	if err = h.Send(outbound); !errors.Is(err, ErrNoHost) {
		t.Errorf("expected no host error after disconnect, got %v", err)
	}
}

func TestWebsocketHostReplace(t *testing.T) {
	h := NewWebsocketHost(&Options{Logger: logger})
	srv := httptest.NewServer(h)
	defer srv.Close()

	first := dial(t, srv)
	defer first.Close()
	readMessage(t, first)
	firstID := h.ConnectionID()

	second := dial(t, srv)
	defer second.Close()
	readMessage(t, second)

	if _, _, err := first.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected first connection to be closed, got %v", err)
	}
	if id := h.ConnectionID(); id == "" || id == firstID {
		t.Errorf("active connection not replaced: %q", id)
	}
}

func TestStdioHost(t *testing.T) {
	input := strings.NewReader(`{"type":"WEBVIEW_READY"}` + "\n" +
		"\n" +
		"not json\n" +
		`{"type":"REGISTER_SIP","payload":{"username":"alice"}}` + "\n")
	output := &bytes.Buffer{}

	h := NewStdioHost(&Options{Logger: logger}, input, output)
	if err := h.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var types []string
	for len(h.Messages()) > 0 {
		types = append(types, (<-h.Messages()).Type)
	}
	if len(types) != 2 || types[0] != relay.TypeWebviewReady || types[1] != relay.TypeRegisterSIP {
		t.Errorf("unexpected messages: %v", types)
	}

	if output.String() != `{"type":"REACT_APP_READY"}`+"\n" {
		t.Errorf("unexpected output: %q", output.String())
	}
	if h.Connected() {
		t.Error("still connected after input ended")
	}
	if err := h.Send(readyMessage()); !errors.Is(err, ErrNoHost) {
		t.Errorf("expected no host error, got %v", err)
	}
}

func TestWebsocketHostOrigin(t *testing.T) {
	for _, tc := range []struct {
		allowed []string
		origin  string
		accept  bool
	}{
		{nil, "https://webview.example.org", false},
		{[]string{"https://webview.example.org"}, "https://webview.example.org", true},
		{[]string{"https://webview.example.org"}, "https://other.example.org", false},
		{[]string{"HTTPS://WebView.example.org"}, "https://webview.example.org", true},
		{[]string{"*"}, "null", true},
	} {
		h := NewWebsocketHost(&Options{
			Logger:         logger,
			AllowedOrigins: tc.allowed,
		})
		srv := httptest.NewServer(h)

		ws, resp, err := dialWithOrigin(srv, tc.origin)
		if tc.accept {
			if err != nil {
				t.Errorf("origin %q with %v rejected: %v", tc.origin, tc.allowed, err)
			} else {
				if message := readMessage(t, ws); message.Type != relay.TypeReactAppReady {
					t.Errorf("unexpected first message: %s", message.Type)
				}
				ws.Close()
			}
		} else {
			if err == nil {
				ws.Close()
				t.Errorf("origin %q with %v accepted", tc.origin, tc.allowed)
			} else if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("origin %q with %v: expected forbidden, got %v", tc.origin, tc.allowed, err)
			}
		}
		srv.Close()
	}

	// Same origin needs no configuration.
	h := NewWebsocketHost(&Options{Logger: logger})
	srv := httptest.NewServer(h)
	defer srv.Close()
	ws, _, err := dialWithOrigin(srv, srv.URL)
	if err != nil {
		t.Fatalf("same origin rejected: %v", err)
	}
	ws.Close()
}

func TestStdioHostSkipsOversizedLine(t *testing.T) {
	input := strings.NewReader(`{"type":"WEBVIEW_READY"}` + "\n" +
		`{"type":"REGISTER_SIP","payload":{"username":"` + strings.Repeat("x", maxMessageSize) + `"}}` + "\n" +
		`{"type":"END_CALL"}` + "\r\n" +
		`{"type":"UNREGISTER_SIP"}`)
	output := &bytes.Buffer{}

	h := NewStdioHost(&Options{Logger: logger}, input, output)
	if err := h.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var types []string
	for len(h.Messages()) > 0 {
		types = append(types, (<-h.Messages()).Type)
	}
	if len(types) != 3 || types[0] != relay.TypeWebviewReady || types[1] != relay.TypeEndCall || types[2] != relay.TypeUnregisterSIP {
		t.Errorf("unexpected messages: %v", types)
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("y", 40)+"\nexact-10ch\nlast"), 16)

	for _, want := range []struct {
		line string
		err  error
	}{
		{"short", nil},
		{"", errLineTooLong},
		{"exact-10ch", nil},
		{"last", nil},
		{"", io.EOF},
	} {
		line, err := readLine(r, 10)
		if !errors.Is(err, want.err) && !(err == nil && want.err == nil) {
			t.Fatalf("expected error %v, got %v", want.err, err)
		}
		if string(line) != want.line {
			t.Errorf("wrong line: got %q want %q", line, want.line)
		}
	}
}
