/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sipsession

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/internal/janus"
	"stash.kopano.io/kwm/kwmsipbridge/internal/media"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

type fakeRequest struct {
	Body map[string]interface{}
	JSEP *janus.JSEP
}

type fakeHandle struct {
	mutex    sync.Mutex
	requests []*fakeRequest
	detached bool

	events chan *janus.Message
}

func (h *fakeHandle) Message(ctx context.Context, body interface{}, jsep *janus.JSEP) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.requests = append(h.requests, &fakeRequest{
		Body: body.(map[string]interface{}),
		JSEP: jsep,
	})
	return nil
}

func (h *fakeHandle) Detach(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.detached = true
	return nil
}

func (h *fakeHandle) Events() <-chan *janus.Message {
	return h.events
}

func (h *fakeHandle) Requests() []*fakeRequest {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]*fakeRequest{}, h.requests...)
}

func (h *fakeHandle) pluginEvent(data string, jsep *janus.JSEP) {
	h.events <- &janus.Message{
		Janus: janus.TypeEvent,
		PluginData: &janus.PluginData{
			Plugin: PluginName,
			Data:   json.RawMessage(data),
		},
		JSEP: jsep,
	}
}

type fakeSession struct {
	handle    *fakeHandle
	attachErr error

	once      sync.Once
	done      chan struct{}
	destroyed bool
}

func (s *fakeSession) Attach(ctx context.Context, plugin string) (PluginHandle, error) {
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	return s.handle, nil
}

func (s *fakeSession) Destroy(ctx context.Context) error {
	s.destroyed = true
	s.lose()
	return nil
}

func (s *fakeSession) Done() <-chan struct{} {
	return s.done
}

func (s *fakeSession) Err() error {
	return errors.New("fake session lost")
}

func (s *fakeSession) lose() {
	s.once.Do(func() {
		close(s.done)
	})
}

type fakeGateway struct {
	mutex     sync.Mutex
	failures  int
	attachErr error
	connects  []time.Time
	sessions  []*fakeSession
}

func (g *fakeGateway) Connect(ctx context.Context) (GatewaySession, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.connects = append(g.connects, time.Now())
	if len(g.connects) <= g.failures {
		return nil, errors.New("connection refused")
	}
	session := &fakeSession{
		handle: &fakeHandle{
			events: make(chan *janus.Message, maxChSize),
		},
		attachErr: g.attachErr,
		done:      make(chan struct{}),
	}
	g.sessions = append(g.sessions, session)
	return session, nil
}

func (g *fakeGateway) Connects() []time.Time {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return append([]time.Time{}, g.connects...)
}

func (g *fakeGateway) Session(idx int) *fakeSession {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.sessions[idx]
}

type fakePeer struct {
	mutex    sync.Mutex
	handlers *media.Handlers
	offerErr error
	remote   *janus.JSEP
	answers  int
	closed   bool
}

func (p *fakePeer) Answers() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.answers
}

func (p *fakePeer) CreateOffer(ctx context.Context) (*janus.JSEP, error) {
	if p.offerErr != nil {
		return nil, p.offerErr
	}
	p.handlers.OnConsentDialog(true)
	p.handlers.OnConsentDialog(false)
	p.handlers.OnLocalTrack("audio", "local-1", true)
	return &janus.JSEP{
		Type: "offer",
		SDP:  "v=0\r\n",
	}, nil
}

func (p *fakePeer) SetRemoteDescription(jsep *janus.JSEP) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.remote = jsep
	p.answers++
	return nil
}

func (p *fakePeer) Close() error {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()
	p.handlers.OnLocalTrack("audio", "local-1", false)
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

type fakePeerFactory struct {
	mutex    sync.Mutex
	offerErr error
	peers    []*fakePeer
}

func (f *fakePeerFactory) New(handlers *media.Handlers) (Peer, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	peer := &fakePeer{
		handlers: handlers,
		offerErr: f.offerErr,
	}
	f.peers = append(f.peers, peer)
	return peer, nil
}

func (f *fakePeerFactory) Peer(idx int) *fakePeer {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.peers[idx]
}

func newTestAdapter(t *testing.T, gateway *fakeGateway, peers *fakePeerFactory) *Adapter {
	if peers == nil {
		peers = &fakePeerFactory{}
	}
	a, err := New(&Options{
		Logger: logger,

		Gateway: gateway,
		NewPeer: peers.New,

		ReconnectMaxRetries: 3,
		ReconnectDelay:      20 * time.Millisecond,
		RequestTimeout:      time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func waitEvent(t *testing.T, a *Adapter, kind EventKind) *Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-a.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if event.Kind == kind {
				return event
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func expectNoEvent(t *testing.T, a *Adapter, d time.Duration) {
	t.Helper()
	select {
	case event := <-a.Events():
		t.Fatalf("unexpected event %s", event.Kind)
	case <-time.After(d):
	}
}

func waitRequests(t *testing.T, h *fakeHandle, n int) []*fakeRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if requests := h.Requests(); len(requests) >= n {
			return requests
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d requests", n)
	return nil
}

func startRegistered(t *testing.T, a *Adapter, gateway *fakeGateway) *fakeHandle {
	t.Helper()
	a.Start()
	waitEvent(t, a, EventAttached)
	handle := gateway.Session(0).handle

	if err := a.Register(&Credentials{
		Username: "sip:alice@203.0.113.5",
		Secret:   "secret",
		Proxy:    "sip:203.0.113.5:5080",
	}); err != nil {
		t.Fatal(err)
	}
	waitRequests(t, handle, 1)
	handle.pluginEvent(`{"sip":"event","result":{"event":"registered","username":"alice"}}`, nil)
	waitEvent(t, a, EventRegistered)

	return handle
}

func TestAdapterInitialize(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	if state := a.State(); state != StateNotStarted {
		t.Errorf("wrong initial state: %s", state)
	}

	a.Start()
	event := waitEvent(t, a, EventSessionReady)
	if event.State != StateReady {
		t.Errorf("wrong state with session ready: %s", event.State)
	}
	waitEvent(t, a, EventAttached)
	if len(gateway.Connects()) != 1 {
		t.Errorf("unexpected connects: %d", len(gateway.Connects()))
	}
}

func TestAdapterInitializeRetryBound(t *testing.T) {
	gateway := &fakeGateway{
		failures: 100,
	}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	a.Start()

	for i := 0; i < 4; i++ {
		event := waitEvent(t, a, EventSessionError)
		if event.Terminal {
			t.Fatalf("terminal error too early at %d", i)
		}
		if event.Code != CodeSessionError {
			t.Errorf("wrong error code: %d", event.Code)
		}
	}
	event := waitEvent(t, a, EventSessionError)
	if !event.Terminal {
		t.Error("expected terminal error")
	}
	if event.State != StateError {
		t.Errorf("wrong state after giving up: %s", event.State)
	}

	time.Sleep(100 * time.Millisecond)
	connects := gateway.Connects()
	if len(connects) != 4 {
		t.Fatalf("expected 1 attempt and 3 retries, got %d", len(connects))
	}
	for i := 1; i < len(connects); i++ {
		if gap := connects[i].Sub(connects[i-1]); gap < 20*time.Millisecond {
			t.Errorf("retry %d too early: %v", i, gap)
		}
	}
}

func TestAdapterAttachError(t *testing.T) {
	gateway := &fakeGateway{
		attachErr: errors.New("no such plugin"),
	}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	a.Start()
	event := waitEvent(t, a, EventAttachError)
	if event.Code != CodeAttachError {
		t.Errorf("wrong error code: %d", event.Code)
	}
	if !gateway.Session(0).destroyed {
		t.Error("session not destroyed after attach error")
	}
}

func TestAdapterRegisterPreconditions(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	if err := a.Register(&Credentials{Username: "alice"}); !errors.Is(err, ErrNotAttached) {
		t.Errorf("expected not attached error, got %v", err)
	}
	if state := a.State(); state != StateError {
		t.Errorf("wrong state: %s", state)
	}

	handle := startRegistered(t, a, gateway)
	if !a.IsRegistered() {
		t.Fatal("not registered")
	}

	requests := handle.Requests()
	if len(requests) != 1 {
		t.Fatalf("unexpected requests: %d", len(requests))
	}
	body := requests[0].Body
	if body["request"] != "register" || body["register"] != true || body["proxy"] != "sip:203.0.113.5:5080" {
		t.Errorf("unexpected register request: %v", body)
	}

	if err := a.Register(&Credentials{Username: "bob"}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected already registered error, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(handle.Requests()) != 1 {
		t.Error("register while registered sent a request")
	}
}

func TestAdapterCallBeforeRegister(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	a.Start()
	waitEvent(t, a, EventAttached)

	if err := a.Call("5551234"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected not registered error, got %v", err)
	}
	if err := a.Call(""); !errors.Is(err, ErrMissingNumber) {
		t.Errorf("expected missing number error, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(gateway.Session(0).handle.Requests()) != 0 {
		t.Error("call before register sent a request")
	}
}

func TestAdapterCall(t *testing.T) {
	gateway := &fakeGateway{}
	peers := &fakePeerFactory{}
	a := newTestAdapter(t, gateway, peers)
	defer a.Close()

	handle := startRegistered(t, a, gateway)

	if err := a.Call("5551234"); err != nil {
		t.Fatal(err)
	}
	event := waitEvent(t, a, EventCallInitiated)
	if event.PhoneNumber != "5551234" || event.State != StateCalling {
		t.Errorf("unexpected call initiated event: %+v", event)
	}
	waitEvent(t, a, EventConsentDialog)
	event = waitEvent(t, a, EventLocalTrack)
	if !event.Added || event.TrackID != "local-1" {
		t.Errorf("unexpected local track event: %+v", event)
	}

	requests := waitRequests(t, handle, 2)
	call := requests[1]
	if call.Body["request"] != "call" {
		t.Fatalf("unexpected request: %v", call.Body)
	}
	if uri := call.Body["uri"]; uri != "sip:5551234@203.0.113.5:5080" {
		t.Errorf("wrong call uri: %v", uri)
	}
	if call.JSEP == nil || call.JSEP.Type != "offer" {
		t.Error("call request without offer")
	}

	if err := a.Call("5551234"); !errors.Is(err, ErrCallActive) {
		t.Errorf("expected call active error, got %v", err)
	}

	handle.pluginEvent(`{"sip":"event","result":{"event":"accepted"}}`, &janus.JSEP{Type: "answer", SDP: "v=0\r\n"})
	event = waitEvent(t, a, EventAccepted)
	if event.State != StateConnected {
		t.Errorf("wrong state when accepted: %s", event.State)
	}
	waitEvent(t, a, EventJSEPSuccess)
	if peers.Peer(0).remote == nil {
		t.Error("answer not applied")
	}
	if !a.InCall() {
		t.Error("not in call")
	}

	if err := a.Hangup(); err != nil {
		t.Fatal(err)
	}
	requests = waitRequests(t, handle, 3)
	if requests[2].Body["request"] != "hangup" {
		t.Errorf("unexpected request: %v", requests[2].Body)
	}

	handle.pluginEvent(`{"sip":"event","result":{"event":"hangup","code":200,"reason":"Session Terminated"}}`, nil)
	event = waitEvent(t, a, EventHangup)
	if event.State != StateEnded || event.Code != 200 || event.Reason != "Session Terminated" {
		t.Errorf("unexpected hangup event: %+v", event)
	}
	if !peers.Peer(0).Closed() {
		t.Error("peer not closed after hangup")
	}
	if len(a.Tracks().Local()) != 0 {
		t.Error("local track not removed")
	}
}

func TestAdapterEarlyMediaAnswer(t *testing.T) {
	gateway := &fakeGateway{}
	peers := &fakePeerFactory{}
	a := newTestAdapter(t, gateway, peers)
	defer a.Close()

	handle := startRegistered(t, a, gateway)
	if err := a.Call("5551234"); err != nil {
		t.Fatal(err)
	}
	waitRequests(t, handle, 2)

	answer := &janus.JSEP{Type: "answer", SDP: "v=0\r\n"}
	handle.pluginEvent(`{"sip":"event","result":{"event":"progress","code":183,"reason":"Session Progress"}}`, answer)
	event := waitEvent(t, a, EventProgress)
	if event.State != StateRinging {
		t.Errorf("wrong state on progress: %s", event.State)
	}
	waitEvent(t, a, EventJSEPSuccess)
	if peers.Peer(0).Answers() != 1 {
		t.Fatalf("answer on progress not applied")
	}

	handle.pluginEvent(`{"sip":"event","result":{"event":"accepted"}}`, answer)
	event = waitEvent(t, a, EventAccepted)
	if event.State != StateConnected {
		t.Errorf("wrong state when accepted: %s", event.State)
	}

	time.Sleep(50 * time.Millisecond)
	for len(a.Events()) > 0 {
		if event := <-a.Events(); event.Kind == EventJSEPSuccess || event.Kind == EventJSEPError {
			t.Errorf("unexpected %s for the repeated answer", event.Kind)
		}
	}
	if answers := peers.Peer(0).Answers(); answers != 1 {
		t.Errorf("answer applied %d times", answers)
	}
}

func TestAdapterOfferError(t *testing.T) {
	gateway := &fakeGateway{}
	peers := &fakePeerFactory{
		offerErr: errors.New("no audio"),
	}
	a := newTestAdapter(t, gateway, peers)
	defer a.Close()

	handle := startRegistered(t, a, gateway)
	if err := a.Call("5551234"); err != nil {
		t.Fatal(err)
	}
	event := waitEvent(t, a, EventCallError)
	if event.State != StateError {
		t.Errorf("wrong state after offer error: %s", event.State)
	}
	if len(handle.Requests()) != 1 {
		t.Error("call request sent without offer")
	}
}

func TestAdapterPluginErrorEvent(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	a.Start()
	waitEvent(t, a, EventAttached)
	handle := gateway.Session(0).handle

	handle.pluginEvent(`{"sip":"event","error_code":446,"error":"Missing element (username)"}`, nil)
	event := <-a.Events()
	if event.Kind != EventPluginError {
		t.Fatalf("unexpected event: %s", event.Kind)
	}
	if event.State != StateError || event.Code != 446 || event.ErrorString() != "Missing element (username)" {
		t.Errorf("unexpected error event: %+v", event)
	}
	expectNoEvent(t, a, 50*time.Millisecond)
}

func TestAdapterUnknownEvent(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	a.Start()
	waitEvent(t, a, EventAttached)
	handle := gateway.Session(0).handle

	handle.pluginEvent(`{"sip":"event","result":{"event":"transfer","refer_id":1}}`, nil)
	event := waitEvent(t, a, EventUnknown)
	if event.Name != "transfer" || event.State != CallState("transfer") {
		t.Errorf("unexpected unknown event: %+v", event)
	}
	if event.State.Known() {
		t.Error("unknown event state reported as known")
	}
	if len(event.Data) == 0 {
		t.Error("unknown event without data")
	}
}

func TestAdapterUnregisterNotRegistered(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	a.Start()
	waitEvent(t, a, EventAttached)
	state := a.State()

	if err := a.Unregister(); err != nil {
		t.Fatal(err)
	}
	if err := a.Hangup(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(gateway.Session(0).handle.Requests()) != 0 {
		t.Error("unregister without registration sent a request")
	}
	if a.State() != state {
		t.Errorf("state changed: %s", a.State())
	}
}

func TestAdapterRemoteTracks(t *testing.T) {
	gateway := &fakeGateway{}
	peers := &fakePeerFactory{}
	a := newTestAdapter(t, gateway, peers)
	defer a.Close()

	startRegistered(t, a, gateway)
	if err := a.Call("5551234"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, a, EventLocalTrack)

	handlers := peers.Peer(0).handlers
	handlers.OnRemoteTrack("audio", "0", true)
	handlers.OnRemoteTrack("audio", "0", false)
	handlers.OnRemoteTrack("audio", "0", true)

	remote := a.Tracks().Remote()
	if len(remote) != 1 || remote[0].ID != "0" {
		t.Errorf("unexpected remote tracks: %v", remote)
	}

	handle := gateway.Session(0).handle
	handle.events <- &janus.Message{
		Janus:  janus.TypeHangup,
		Reason: "DTLS alert",
	}
	event := waitEvent(t, a, EventWebRTCState)
	if event.Connected {
		t.Error("expected disconnected state")
	}
	event = waitEvent(t, a, EventCleanup)
	if event.State != StateCleaned {
		t.Errorf("wrong state after cleanup: %s", event.State)
	}
	if len(a.Tracks().Remote()) != 0 {
		t.Error("remote tracks not cleared")
	}
}

func TestAdapterSessionLostReconnects(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)
	defer a.Close()

	startRegistered(t, a, gateway)
	gateway.Session(0).lose()

	event := waitEvent(t, a, EventSessionError)
	if event.Terminal {
		t.Error("session loss must not be terminal")
	}
	waitEvent(t, a, EventSessionReady)
	waitEvent(t, a, EventAttached)
	if a.IsRegistered() {
		t.Error("registration survived session loss")
	}
	if len(gateway.Connects()) != 2 {
		t.Errorf("unexpected connects: %d", len(gateway.Connects()))
	}
}

func TestAdapterCloseTeardown(t *testing.T) {
	gateway := &fakeGateway{}
	a := newTestAdapter(t, gateway, nil)

	a.Start()
	waitEvent(t, a, EventAttached)

	var kinds []EventKind
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range a.Events() {
			kinds = append(kinds, event.Kind)
		}
	}()

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	<-done

	if len(kinds) != 2 || kinds[0] != EventDetached || kinds[1] != EventSessionDestroyed {
		t.Errorf("unexpected teardown events: %v", kinds)
	}
	session := gateway.Session(0)
	if !session.handle.detached || !session.destroyed {
		t.Error("handle not detached or session not destroyed")
	}
	if a.State() != StateDestroyed {
		t.Errorf("wrong state after close: %s", a.State())
	}
}
