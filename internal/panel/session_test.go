package panel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voicepanel/internal/voice"
)

type fakeVoiceService struct {
	sent    int32
	started int32
}

func (f *fakeVoiceService) Start(ctx context.Context, ev voice.ServiceEvents) error {
	atomic.AddInt32(&f.started, 1)
	return nil
}
func (f *fakeVoiceService) Stop() error { return nil }
func (f *fakeVoiceService) SendAudio(pcm []byte) error {
	atomic.AddInt32(&f.sent, 1)
	return nil
}
func (f *fakeVoiceService) IsSpeaking() bool { return false }

type fakeMeter struct{ level float64 }

func (f *fakeMeter) Start()          {}
func (f *fakeMeter) Stop()           {}
func (f *fakeMeter) Push(pcm []byte) {}
func (f *fakeMeter) Level() float64  { return f.level }

// newWSPair upgrades a server-side conn and dials it, returning both ends.
func newWSPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no server conn")
	}
	return server, client
}

type receivedMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// readUntil reads server messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) receivedMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg receivedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message received", msgType)
	return receivedMessage{}
}

func newTestSession(t *testing.T) (*Session, *websocket.Conn, *fakeVoiceService) {
	t.Helper()
	serverConn, clientConn := newWSPair(t)
	svc := &fakeVoiceService{}
	ctrl := voice.NewController(svc, &fakeMeter{})
	sess := NewSession("sess-1", serverConn, ctrl)
	t.Cleanup(func() { _ = sess.Close() })
	sess.Start()
	return sess, clientConn, svc
}

func TestSession_AnnouncesConnection(t *testing.T) {
	_, client, _ := newTestSession(t)
	msg := readUntil(t, client, TypeStatus)
	var payload StatusPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Status != "connected" {
		t.Fatalf("expected connected status, got %q", payload.Status)
	}
	if msg.SessionID != "sess-1" {
		t.Fatalf("expected session id, got %q", msg.SessionID)
	}
}

func TestSession_StartCommandBeginsSessionAndStreamsState(t *testing.T) {
	_, client, svc := newTestSession(t)
	if err := client.WriteJSON(ClientMessage{Type: "start"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, client, TypeState)
	var st voice.State
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if st.Status != voice.StatusConnecting {
		t.Fatalf("expected connecting state, got %s", st.Status)
	}
	if !st.Listening {
		t.Fatalf("expected listening state")
	}
	if atomic.LoadInt32(&svc.started) != 1 {
		t.Fatalf("expected service started")
	}
}

func TestSession_AudioMessageFeedsService(t *testing.T) {
	_, client, svc := newTestSession(t)
	if err := client.WriteJSON(ClientMessage{Type: "start"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, client, TypeState)

	data := base64.StdEncoding.EncodeToString([]byte{0x01, 0x00, 0x02, 0x00})
	payload, _ := json.Marshal(AudioPayload{Data: data})
	if err := client.WriteJSON(ClientMessage{Type: "audio", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&svc.sent) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&svc.sent) == 0 {
		t.Fatalf("expected audio forwarded to service")
	}
}

func TestSession_BinaryFramesFeedService(t *testing.T) {
	_, client, svc := newTestSession(t)
	if err := client.WriteJSON(ClientMessage{Type: "start"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, client, TypeState)

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&svc.sent) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&svc.sent) == 0 {
		t.Fatalf("expected binary audio forwarded to service")
	}
}

func TestSession_InvalidAudioPayloadRejected(t *testing.T) {
	_, client, _ := newTestSession(t)
	payload, _ := json.Marshal(AudioPayload{Data: "not-base64!!!"})
	if err := client.WriteJSON(ClientMessage{Type: "audio", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, client, TypeError)
	var ep ErrorPayload
	if err := json.Unmarshal(msg.Payload, &ep); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ep.Code != ErrCodeInvalidMessage {
		t.Fatalf("expected %s, got %s", ErrCodeInvalidMessage, ep.Code)
	}
}

func TestSession_UnknownTypeRejected(t *testing.T) {
	_, client, _ := newTestSession(t)
	if err := client.WriteJSON(ClientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, client, TypeError)
	var ep ErrorPayload
	_ = json.Unmarshal(msg.Payload, &ep)
	if !strings.Contains(ep.Message, "bogus") {
		t.Fatalf("expected offending type in message, got %q", ep.Message)
	}
}

func TestSession_ControlPing(t *testing.T) {
	_, client, _ := newTestSession(t)
	readUntil(t, client, TypeStatus) // connected

	payload, _ := json.Marshal(ControlPayload{Action: "ping"})
	if err := client.WriteJSON(ClientMessage{Type: "control", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, client, TypeStatus)
	var sp StatusPayload
	_ = json.Unmarshal(msg.Payload, &sp)
	if sp.Status != "pong" {
		t.Fatalf("expected pong, got %q", sp.Status)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	sess, _, _ := newTestSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !sess.IsClosed() {
		t.Fatalf("expected closed")
	}
}
