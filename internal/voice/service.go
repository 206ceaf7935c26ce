package voice

import (
	"context"
	"sync"

	"github.com/chadiek/voicepanel/internal/convai"
)

// ServiceEvents are the callbacks a conversation service pushes while a
// session is live. Unset fields are skipped.
type ServiceEvents struct {
	OnConnect        func(conversationID string)
	OnDisconnect     func()
	OnUserTranscript func(text string)
	OnAgentReply     func(text string)
	OnAudio          func(audioBase64 string)
	OnInterruption   func()
	OnError          func(err error)
}

// Service is the minimal interface to the external conversational-voice
// service, defined here where it is consumed.
type Service interface {
	// Start opens one session and binds the event callbacks. A service that
	// already has a live session returns nil.
	Start(ctx context.Context, ev ServiceEvents) error
	// Stop ends the current session. Idempotent.
	Stop() error
	// SendAudio forwards captured PCM16LE audio to the service.
	SendAudio(pcm []byte) error
	// IsSpeaking reports whether the agent is emitting audio right now.
	IsSpeaking() bool
}

// LevelMeter is the audio-level sampler as seen by the controller.
type LevelMeter interface {
	Start()
	Stop()
	Push(pcm []byte)
	Level() float64
}

// elevenLabsService adapts convai.Client to the Service interface. Each
// session gets a fresh client; the websocket is not reusable after close.
type elevenLabsService struct {
	newClient func() *convai.Client

	mu     sync.RWMutex
	client *convai.Client
}

// NewElevenLabsService wraps a client factory. The factory is invoked once
// per session.
func NewElevenLabsService(newClient func() *convai.Client) Service {
	return &elevenLabsService{newClient: newClient}
}

func (s *elevenLabsService) Start(ctx context.Context, ev ServiceEvents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	c := s.newClient()
	c.OnConnect = ev.OnConnect
	c.OnDisconnect = ev.OnDisconnect
	c.OnUserTranscript = ev.OnUserTranscript
	c.OnAgentReply = ev.OnAgentReply
	c.OnAudio = ev.OnAudio
	c.OnInterruption = ev.OnInterruption
	c.OnError = ev.OnError
	if err := c.StartSession(ctx); err != nil {
		return err
	}
	s.client = c
	return nil
}

func (s *elevenLabsService) Stop() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.EndSession()
}

func (s *elevenLabsService) SendAudio(pcm []byte) error {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.SendAudio(pcm)
}

func (s *elevenLabsService) IsSpeaking() bool {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	return c != nil && c.IsSpeaking()
}
