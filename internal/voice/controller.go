// Package voice owns the conversation session lifecycle and the shared voice
// state observed by the panel UI: connection status, listening/processing/
// speaking flags, the live transcript and the conversation history.
package voice

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// speakingPollInterval is how often the controller mirrors the service's
// speaking observable into the state snapshot.
const speakingPollInterval = 100 * time.Millisecond

// Controller maps service-pushed events onto observable UI state and drives
// the audio-level sampler for the waveform animation. One session at a time.
type Controller struct {
	svc     Service
	sampler LevelMeter

	// OnChange receives a state snapshot after every observable transition.
	OnChange func(State)
	// OnAgentAudio receives the agent's synthesized audio (base64 PCM16LE)
	// for playback. Optional.
	OnAgentAudio func(audioBase64 string)

	mu      sync.Mutex
	st      State
	started bool
	stopCh  chan struct{}
}

// NewController constructs a controller around a service and a level sampler.
func NewController(svc Service, sampler LevelMeter) *Controller {
	return &Controller{svc: svc, sampler: sampler}
}

// State returns a snapshot of the current voice state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.clone()
}

// Level returns the current audio level in [0,1].
func (c *Controller) Level() float64 {
	return c.sampler.Level()
}

// Start begins a conversation session. Calling Start while the session is
// connecting, or while a reply is still being processed, is a no-op. On
// failure the error message is surfaced in the state, listening is reset and
// the sampler is torn down.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.st.Status == StatusConnecting || c.st.Processing {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.st.Status = StatusConnecting
	c.st.Listening = true
	c.st.Transcript = ""
	c.st.LastError = ""
	c.mu.Unlock()
	c.notify()

	c.sampler.Start()

	if err := c.svc.Start(ctx, c.events()); err != nil {
		c.sampler.Stop()
		c.mu.Lock()
		c.started = false
		safeClose(c.stopCh)
		c.st.Status = StatusDisconnected
		c.st.Listening = false
		c.st.LastError = err.Error()
		c.mu.Unlock()
		c.notify()
		return err
	}

	go c.speakingPoll(stop)
	return nil
}

// Stop ends the session and clears listening state. It never returns an
// error; underlying teardown failures are logged only.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	safeClose(c.stopCh)
	c.st.Listening = false
	c.st.Speaking = false
	c.st.Processing = false
	c.st.Status = StatusDisconnected
	c.mu.Unlock()

	if err := c.svc.Stop(); err != nil {
		log.Printf("voice: end session: %v", err)
	}
	c.sampler.Stop()
	c.notify()
}

// FeedAudio forwards captured microphone audio to the service and the level
// sampler while the session is listening.
func (c *Controller) FeedAudio(pcm []byte) {
	c.mu.Lock()
	listening := c.started && c.st.Listening
	c.mu.Unlock()
	if !listening {
		return
	}
	c.sampler.Push(pcm)
	if err := c.svc.SendAudio(pcm); err != nil {
		log.Printf("voice: send audio: %v", err)
	}
}

func (c *Controller) events() ServiceEvents {
	return ServiceEvents{
		OnConnect:        c.onConnect,
		OnDisconnect:     c.onDisconnect,
		OnUserTranscript: c.onUserTranscript,
		OnAgentReply:     c.onAgentReply,
		OnAudio:          c.onAudio,
		OnInterruption:   c.onInterruption,
		OnError:          c.onError,
	}
}

func (c *Controller) onConnect(conversationID string) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.st.Status = StatusConnected
	c.st.LastError = ""
	c.mu.Unlock()
	log.Printf("voice: session connected: %s", conversationID)
	c.notify()
}

// onDisconnect clears listening state and tears down sampling regardless of
// what the session was doing. The service is stopped too, so the next Start
// opens a fresh session instead of finding a dead one.
func (c *Controller) onDisconnect() {
	c.mu.Lock()
	wasStarted := c.started
	c.started = false
	if wasStarted {
		safeClose(c.stopCh)
	}
	c.st.Status = StatusDisconnected
	c.st.Listening = false
	c.st.Speaking = false
	c.st.Processing = false
	c.mu.Unlock()
	if err := c.svc.Stop(); err != nil {
		log.Printf("voice: end session: %v", err)
	}
	c.sampler.Stop()
	c.notify()
}

func (c *Controller) onUserTranscript(text string) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.st.Transcript = text
	c.st.Processing = true
	c.st.Conversation = append(c.st.Conversation, Turn{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Message:   text,
		Timestamp: time.Now(),
	})
	c.mu.Unlock()
	c.notify()
}

// onAgentReply appends exactly one assistant turn, clears processing and
// marks the agent as speaking.
func (c *Controller) onAgentReply(text string) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.st.Conversation = append(c.st.Conversation, Turn{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Message:   text,
		Timestamp: time.Now(),
	})
	c.st.Processing = false
	c.st.Speaking = true
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onAudio(audioBase64 string) {
	if c.OnAgentAudio != nil {
		c.OnAgentAudio(audioBase64)
	}
}

func (c *Controller) onInterruption() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.st.Speaking = false
	c.mu.Unlock()
	c.notify()
}

// onError reduces any service failure to a displayable string and downgrades
// the status to disconnected.
func (c *Controller) onError(err error) {
	c.mu.Lock()
	wasStarted := c.started
	c.started = false
	if wasStarted {
		safeClose(c.stopCh)
	}
	c.st.LastError = err.Error()
	c.st.Status = StatusDisconnected
	c.st.Listening = false
	c.st.Speaking = false
	c.st.Processing = false
	c.mu.Unlock()
	if stopErr := c.svc.Stop(); stopErr != nil {
		log.Printf("voice: end session: %v", stopErr)
	}
	c.sampler.Stop()
	c.notify()
}

// speakingPoll keeps the speaking flag honest once the service stops
// emitting audio for the current reply.
func (c *Controller) speakingPoll(stop <-chan struct{}) {
	ticker := time.NewTicker(speakingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			changed := c.started && c.st.Speaking && !c.svc.IsSpeaking()
			if changed {
				c.st.Speaking = false
			}
			c.mu.Unlock()
			if changed {
				c.notify()
			}
		}
	}
}

func (c *Controller) notify() {
	if c.OnChange == nil {
		return
	}
	c.OnChange(c.State())
}

func safeClose(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
