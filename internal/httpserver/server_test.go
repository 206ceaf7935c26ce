package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voicepanel/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		HTTPAddress:      ":0",
		ElevenLabsAgent:  "agent_test",
		AllowedOrigins:   []string{"*"},
		MaxPanelSessions: 5,
		SessionTimeout:   time.Minute,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
}

func TestCall_BadJSON(t *testing.T) {
	srv := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader("not-json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCall_InvalidOfferRejected(t *testing.T) {
	srv := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{"type":"answer","sdp":"v=0"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCall_Unauthorized(t *testing.T) {
	cfg := testConfig()
	cfg.CallPassword = "secret"
	srv := New(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodPost, "/call?password=wrong", strings.NewReader("{}"))
	r2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w2.Code)
	}
}

func TestPanelWS_SessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/panel/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			Status string `json:"status"`
		} `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "status" || msg.Payload.Status != "connected" {
		t.Fatalf("expected connected status, got %+v", msg)
	}
	if srv.Manager.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", srv.Manager.ActiveCount())
	}

	_ = conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && srv.Manager.ActiveCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Manager.ActiveCount() != 0 {
		t.Fatalf("expected session removed after close")
	}
}

func TestPanelWS_SessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPanelSessions = 1
	srv := New(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	ts := httptest.NewServer(srv.Echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/panel/ws"
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = first.Close() }()

	// Wait for the first session registration before dialing again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.Manager.ActiveCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = second.Close() }()

	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			Code string `json:"code"`
		} `json:"payload"`
	}
	if err := second.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" || msg.Payload.Code != "SESSION_LIMIT" {
		t.Fatalf("expected session limit error, got %+v", msg)
	}
}

func TestTwilioVoice_RequiresSignature(t *testing.T) {
	cfg := testConfig()
	cfg.TwilioAuthToken = "token"
	srv := New(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	r := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader("From=%2B15551234567"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", w.Code)
	}
}

func TestCallAuthOK(t *testing.T) {
	srv := newTestServer(t)
	_ = srv

	e := srv.Echo
	mk := func(target string, header map[string]string) bool {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		for k, v := range header {
			r.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		c := e.NewContext(r, w)
		return callAuthOK(c, "secret")
	}

	if !mk("/?password=secret", nil) {
		t.Fatalf("expected query password accepted")
	}
	if !mk("/", map[string]string{"Authorization": "Bearer secret"}) {
		t.Fatalf("expected bearer accepted")
	}
	if !mk("/", map[string]string{"Authorization": "bearer secret"}) {
		t.Fatalf("expected lowercase bearer accepted")
	}
	if !mk("/", map[string]string{"X-Auth-Token": "secret"}) {
		t.Fatalf("expected header token accepted")
	}
	if mk("/?password=wrong", nil) {
		t.Fatalf("expected wrong password rejected")
	}
}
