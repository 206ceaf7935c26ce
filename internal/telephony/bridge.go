package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/voicepanel/internal/voice"
)

// twilioEvent is an inbound media stream frame.
type twilioEvent struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// mediaFrame is an outbound media stream frame.
type mediaFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"` // Base64-encoded mu-law audio
}

// clearFrame tells Twilio to drop its buffered playback, used on
// interruption.
type clearFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// Handler serves the Twilio voice webhook and the media stream bridge.
type Handler struct {
	newController func() *voice.Controller
	upgrader      websocket.Upgrader
}

// NewHandler constructs a handler. The factory must return a fresh
// controller per call.
func NewHandler(newController func() *voice.Controller) *Handler {
	return &Handler{
		newController: newController,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Twilio does not support WebSocket compression or send
			// browser Origin headers.
			EnableCompression: false,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
	}
}

// HandleVoice answers the inbound call webhook with TwiML that connects the
// call audio to the media stream endpoint.
func (h *Handler) HandleVoice(c echo.Context) error {
	params, _ := c.Get("twilioParams").(map[string]string)
	if from := params["From"]; from != "" {
		log.Printf("telephony: inbound call from %s to %s", from, params["To"])
	}

	wsURL := "wss://" + c.Request().Host + "/twilio/stream"
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: wsURL},
		},
	}
	response, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: "Connecting you to the assistant."},
		connect,
	})
	if err != nil {
		return c.String(http.StatusInternalServerError, "Failed to generate TwiML")
	}
	return c.XMLBlob(http.StatusOK, []byte(response))
}

// HandleStream bridges a Twilio media stream to a voice session: mu-law call
// audio in, agent speech back out on the same socket.
func (h *Handler) HandleStream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("telephony: upgrade: %v", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	callID := uuid.NewString()
	log.Printf("telephony [%s] stream connected", shortID(callID))

	var (
		writeMu   sync.Mutex
		streamMu  sync.RWMutex
		streamSid string
	)
	sid := func() string {
		streamMu.RLock()
		defer streamMu.RUnlock()
		return streamSid
	}
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	ctrl := h.newController()
	ctrl.OnAgentAudio = func(audioBase64 string) {
		s := sid()
		if s == "" {
			return
		}
		pcm, decErr := base64.StdEncoding.DecodeString(audioBase64)
		if decErr != nil {
			log.Printf("telephony [%s] agent audio decode: %v", shortID(callID), decErr)
			return
		}
		encoded := base64.StdEncoding.EncodeToString(pcm16kToMuLaw(pcm))
		if wErr := write(mediaFrame{Event: "media", StreamSid: s, Media: mediaPayload{Payload: encoded}}); wErr != nil {
			log.Printf("telephony [%s] media write: %v", shortID(callID), wErr)
		}
	}

	wasSpeaking := false
	ctrl.OnChange = func(st voice.State) {
		if wasSpeaking && !st.Speaking {
			if s := sid(); s != "" {
				_ = write(clearFrame{Event: "clear", StreamSid: s})
			}
		}
		wasSpeaking = st.Speaking
	}
	defer ctrl.Stop()

	for {
		_, message, readErr := conn.ReadMessage()
		if readErr != nil {
			log.Printf("telephony [%s] read: %v", shortID(callID), readErr)
			return nil
		}

		var ev twilioEvent
		if jErr := json.Unmarshal(message, &ev); jErr != nil {
			log.Printf("telephony [%s] bad frame: %v", shortID(callID), jErr)
			continue
		}

		switch ev.Event {
		case "connected":
			log.Printf("telephony [%s] twilio connected", shortID(callID))

		case "start":
			if ev.Start == nil || ev.Start.StreamSid == "" {
				log.Printf("telephony [%s] start event missing streamSid", shortID(callID))
				continue
			}
			streamMu.Lock()
			streamSid = ev.Start.StreamSid
			streamMu.Unlock()
			if sErr := ctrl.Start(context.Background()); sErr != nil {
				log.Printf("telephony [%s] session start: %v", shortID(callID), sErr)
				return nil
			}

		case "media":
			if ev.Media == nil {
				continue
			}
			muLaw, decErr := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if decErr != nil {
				log.Printf("telephony [%s] media decode: %v", shortID(callID), decErr)
				continue
			}
			ctrl.FeedAudio(muLawToPCM16k(muLaw))

		case "stop":
			log.Printf("telephony [%s] stream stopped", shortID(callID))
			return nil

		case "mark":
			// informational

		default:
			log.Printf("telephony [%s] unknown event: %s", shortID(callID), ev.Event)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
