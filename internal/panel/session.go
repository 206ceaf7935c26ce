package panel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/chadiek/voicepanel/internal/voice"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	levelInterval   = 33 * time.Millisecond
)

// validate checks inbound client payloads.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// decodeAndValidate decodes a client payload and validates it. On failure an
// error message is queued and false is returned.
func decodeAndValidate[T any](s *Session, raw json.RawMessage, data *T) bool {
	if err := json.Unmarshal(raw, data); err != nil {
		s.queueMessage(NewErrorMessage(s.ID, ErrCodeInvalidMessage, "invalid payload: "+err.Error()))
		return false
	}
	if err := validate.Struct(data); err != nil {
		s.queueMessage(NewErrorMessage(s.ID, ErrCodeInvalidMessage, err.Error()))
		return false
	}
	return true
}

// Session is a single panel client connection bound to its own voice
// controller.
type Session struct {
	ID           string
	Conn         *websocket.Conn
	Controller   *voice.Controller
	CreatedAt    time.Time
	LastActivity time.Time

	writeChan chan any

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSession wraps an upgraded connection and a fresh controller.
func NewSession(id string, conn *websocket.Conn, ctrl *voice.Controller) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	conn.SetReadLimit(512 * 1024)
	conn.EnableWriteCompression(true)

	return &Session{
		ID:           id,
		Conn:         conn,
		Controller:   ctrl,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		writeChan:    make(chan any, writeBufferSize),
		CloseChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins bidirectional message handling.
func (s *Session) Start() {
	go s.writePump()
	s.Controller.OnChange = func(st voice.State) {
		s.queueMessage(NewStateMessage(s.ID, st))
	}
	go s.levelPump()
	s.queueMessage(NewStatusMessage(s.ID, "connected", "session established"))
	go s.readLoop()
}

// levelPump streams the audio level at ~30Hz while it is changing.
func (s *Session) levelPump() {
	ticker := time.NewTicker(levelInterval)
	defer ticker.Stop()
	last := -1.0
	for {
		select {
		case <-s.CloseChan:
			return
		case <-ticker.C:
			level := s.Controller.Level()
			if level == last {
				continue
			}
			last = level
			s.queueMessage(NewLevelMessage(s.ID, level))
		}
	}
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		select {
		case <-s.CloseChan:
			return
		default:
			messageType, message, err := s.Conn.ReadMessage()
			if err != nil {
				if !s.IsClosed() {
					log.Printf("panel [%s] read: %v", shortID(s.ID), err)
				}
				return
			}

			s.touch()

			// Binary frames are raw PCM16LE 16kHz mic audio.
			if messageType == websocket.BinaryMessage {
				s.Controller.FeedAudio(message)
				continue
			}

			var msg ClientMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				s.queueMessage(NewErrorMessage(s.ID, ErrCodeInvalidMessage, "invalid message format"))
				continue
			}
			s.processClientMessage(&msg)
		}
	}
}

func (s *Session) processClientMessage(msg *ClientMessage) {
	switch msg.Type {
	case "start":
		if err := s.Controller.Start(s.ctx); err != nil {
			s.queueMessage(NewErrorMessage(s.ID, ErrCodeAgentError, err.Error()))
		}

	case "stop":
		s.Controller.Stop()

	case "audio":
		var payload AudioPayload
		if !decodeAndValidate(s, msg.Payload, &payload) {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			s.queueMessage(NewErrorMessage(s.ID, ErrCodeInvalidMessage, "invalid base64 audio data"))
			return
		}
		s.Controller.FeedAudio(pcm)

	case "control":
		var payload ControlPayload
		if !decodeAndValidate(s, msg.Payload, &payload) {
			return
		}
		if payload.Action == "ping" {
			s.queueMessage(NewStatusMessage(s.ID, "pong", ""))
		}

	default:
		s.queueMessage(NewErrorMessage(s.ID, ErrCodeInvalidMessage, "unknown message type: "+msg.Type))
	}
}

// writePump handles all outgoing messages in a single goroutine.
func (s *Session) writePump() {
	defer func() {
		_ = s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.Conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-s.CloseChan:
			return
		case msg, ok := <-s.writeChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.Conn.WriteJSON(msg); err != nil {
				return
			}

			// Drain whatever queued up behind this message.
			n := len(s.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg, ok := <-s.writeChan:
					if !ok {
						return
					}
					if err := s.Conn.WriteJSON(msg); err != nil {
						return
					}
				default:
				}
			}
		}
	}
}

// queueMessage adds a message to the write queue without blocking. Activity
// is tracked on reads only, so a quiet client still times out.
func (s *Session) queueMessage(msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.writeChan <- msg:
	default:
		// Queue full; drop rather than stall the session.
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// lastActivity returns the activity timestamp under the lock.
func (s *Session) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivity
}

// Close terminates the session and releases its resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	// Closing under the lock keeps queueMessage from racing the close.
	close(s.writeChan)
	close(s.CloseChan)
	s.mu.Unlock()

	s.cancel()

	s.Controller.Stop()

	if s.Conn != nil {
		_ = s.Conn.Close()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
