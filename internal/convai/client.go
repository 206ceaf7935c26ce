// Package convai is a websocket client for the ElevenLabs Conversational AI
// agents platform. Speech recognition, language understanding and synthesis
// all live on the service side; this client only moves audio up, events down.
package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultEndpoint = "wss://api.elevenlabs.io/v1/convai/conversation"

// speakingHold is how long the agent is still considered speaking after the
// last audio event. The service streams synthesized audio in bursts; gaps
// shorter than this are part of the same utterance.
const speakingHold = 900 * time.Millisecond

// Client maintains one conversation session with a configured agent.
// Set the callbacks before StartSession; they are invoked from the client's
// read goroutine.
type Client struct {
	apiKey   string
	agentID  string
	endpoint string

	// OnConnect fires once the service acknowledges the session.
	OnConnect func(conversationID string)
	// OnDisconnect fires exactly once when the session ends, however it ends.
	OnDisconnect func()
	// OnUserTranscript delivers recognized user speech.
	OnUserTranscript func(text string)
	// OnAgentReply delivers the assistant's textual reply.
	OnAgentReply func(text string)
	// OnAudio delivers base64 PCM of the assistant's synthesized speech.
	OnAudio func(audioBase64 string)
	// OnInterruption fires when the user barges in over the agent.
	OnInterruption func()
	// OnError delivers terminal session errors.
	OnError func(err error)

	conn    *websocket.Conn
	sendCh  chan any
	stopCh  chan struct{}
	mu      sync.RWMutex
	started bool

	speakMu     sync.Mutex
	speaking    bool
	lastAudioAt time.Time

	disconnectOnce sync.Once
}

// NewClient constructs a client for the given agent. The API key may be empty
// for public agents.
func NewClient(apiKey, agentID string) *Client {
	return &Client{
		apiKey:   apiKey,
		agentID:  agentID,
		endpoint: defaultEndpoint,
		sendCh:   make(chan any, 256),
		stopCh:   make(chan struct{}),
	}
}

// StartSession dials the conversation endpoint and begins the read and send
// pumps. It returns once the websocket is established; connection-level
// acknowledgement arrives via OnConnect.
func (c *Client) StartSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	if c.agentID == "" {
		return fmt.Errorf("convai: agent id is empty")
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("convai: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.agentID)
	u.RawQuery = q.Encode()

	headers := map[string][]string{}
	if c.apiKey != "" {
		headers["xi-api-key"] = []string{c.apiKey}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			log.Printf("convai: session dial failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("convai: failed to open session: %w", err)
	}

	c.conn = conn
	c.started = true

	go c.readPump()
	go c.sendPump()
	go c.speakingWatchdog()

	log.Printf("convai: session opened for agent %s", c.agentID)
	return nil
}

// EndSession closes the conversation. Idempotent; safe to call concurrently
// with in-flight callbacks.
func (c *Client) EndSession() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.setSpeaking(false)
	c.fireDisconnect()
	log.Println("convai: session closed")
	return nil
}

// SendAudio queues a PCM16LE chunk for the agent. Never blocks; chunks are
// dropped when the outbound queue is full.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return fmt.Errorf("convai: session not started")
	}
	msg := userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)}
	select {
	case c.sendCh <- msg:
	default:
		log.Println("convai: outbound audio queue full, dropping chunk")
	}
	return nil
}

// IsSpeaking reports whether the agent is currently emitting audio.
func (c *Client) IsSpeaking() bool {
	c.speakMu.Lock()
	defer c.speakMu.Unlock()
	return c.speaking
}

func (c *Client) setSpeaking(on bool) {
	c.speakMu.Lock()
	c.speaking = on
	if on {
		c.lastAudioAt = time.Now()
	}
	c.speakMu.Unlock()
}

func (c *Client) fireDisconnect() {
	c.disconnectOnce.Do(func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("convai: recovered in readPump: %v", r)
		}
	}()
	for {
		select {
		case <-c.stopCh:
			return
		default:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				c.mu.RLock()
				started := c.started
				c.mu.RUnlock()
				if started {
					log.Printf("convai: read error: %v", err)
					if c.OnError != nil {
						c.OnError(err)
					}
					c.fireDisconnect()
				}
				return
			}
			c.processMessage(message)
		}
	}
}

func (c *Client) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("convai: unmarshal error: %v", err)
		return
	}

	switch base.Type {
	case eventInitMetadata:
		var msg initMetadataMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad initiation metadata: %v", err)
			return
		}
		log.Printf("convai: conversation started: id=%s format=%s",
			msg.Event.ConversationID, msg.Event.AudioFormat)
		if c.OnConnect != nil {
			c.OnConnect(msg.Event.ConversationID)
		}

	case eventUserTranscript:
		var msg userTranscriptMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad user transcript: %v", err)
			return
		}
		if msg.Event.UserTranscript != "" && c.OnUserTranscript != nil {
			c.OnUserTranscript(msg.Event.UserTranscript)
		}

	case eventAgentResponse:
		var msg agentResponseMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad agent response: %v", err)
			return
		}
		if msg.Event.AgentResponse != "" && c.OnAgentReply != nil {
			c.OnAgentReply(msg.Event.AgentResponse)
		}

	case eventAudio:
		var msg audioMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad audio event: %v", err)
			return
		}
		c.setSpeaking(true)
		if msg.Event.AudioBase64 != "" && c.OnAudio != nil {
			c.OnAudio(msg.Event.AudioBase64)
		}

	case eventInterruption:
		var msg interruptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad interruption event: %v", err)
			return
		}
		log.Printf("convai: agent interrupted: %s", msg.Event.Reason)
		c.setSpeaking(false)
		if c.OnInterruption != nil {
			c.OnInterruption()
		}

	case eventPing:
		var msg pingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad ping: %v", err)
			return
		}
		select {
		case c.sendCh <- pongMessage{Type: "pong", EventID: msg.Event.EventID}:
		default:
		}

	case eventError:
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("convai: bad error event: %v", err)
			return
		}
		log.Printf("convai: service error: %s", msg.Message)
		if c.OnError != nil {
			c.OnError(fmt.Errorf("convai: %s", msg.Message))
		}

	default:
		log.Printf("convai: unknown event type: %s", base.Type)
	}
}

func (c *Client) sendPump() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("convai: recovered in sendPump: %v", r)
		}
	}()
	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.sendCh:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("convai: write error: %v", err)
				return
			}
		}
	}
}

// speakingWatchdog clears the speaking flag once audio events stop arriving.
func (c *Client) speakingWatchdog() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.speakMu.Lock()
			if c.speaking && time.Since(c.lastAudioAt) > speakingHold {
				c.speaking = false
			}
			c.speakMu.Unlock()
		}
	}
}
