package rtc

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the signaling frame format. Types: "auth", "offer",
// "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	Password      string  `json:"password,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var signalUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the HTTP layer.
		return true
	},
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus
// trickle ICE signaling. With a non-empty authPassword the client must
// authenticate via query, header or an initial auth frame.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	conn, err := signalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("signal upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if authPassword != "" && !authorized(r, authPassword) {
		if !awaitAuthFrame(conn, authPassword) {
			_ = conn.WriteJSON(signalMessage{Type: "error", Error: "unauthorized"})
			return
		}
	}

	offerSDP, err := awaitOffer(conn)
	if err != nil {
		log.Printf("signal offer: %v", err)
		return
	}

	callID := uuid.NewString()
	pc, outTrack, err := h.newPeer()
	if err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	defer func() { _ = pc.Close() }()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.WriteJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.WriteJSON(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	// Remote trickle candidates and bye.
	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     m.Candidate,
					SDPMid:        m.SDPMid,
					SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	h.bindSession(callID, pc, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: "no local description"})
		return
	}
	if err := conn.WriteJSON(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] write answer: %v", callID, err)
		return
	}

	for {
		time.Sleep(2 * time.Second)
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return
		}
	}
}

// authorized checks ?password=, Authorization: Bearer and X-Auth-Token.
func authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	return r.Header.Get("X-Auth-Token") == password
}

// awaitAuthFrame reads one frame and accepts it only as a valid auth message.
func awaitAuthFrame(conn *websocket.Conn, password string) bool {
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		return false
	}
	var m signalMessage
	if json.Unmarshal(data, &m) != nil {
		return false
	}
	return strings.EqualFold(m.Type, "auth") && m.Password == password
}

// awaitOffer reads frames until an offer or bye arrives.
func awaitOffer(conn *websocket.Conn) (string, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, nil
			}
		case "bye":
			return "", errors.New("client hung up before offering")
		}
	}
}
