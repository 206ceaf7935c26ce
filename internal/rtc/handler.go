// Package rtc terminates browser WebRTC connections: microphone audio flows
// in over an Opus track, agent speech flows back on a paced local track, and
// session state is mirrored onto a data channel.
package rtc

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/voicepanel/internal/voice"
)

// micChunkBytes batches decoded mic audio into 100ms chunks at 16kHz before
// handing it to the controller.
const micChunkBytes = 3200

// SessionDescription is a small DTO so transport never touches webrtc types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler owns WebRTC peer connections. Each accepted offer gets a dedicated
// voice controller built by the factory.
type Handler struct {
	newController  func() *voice.Controller
	iceServersJSON string
	onState        func(callID string, st voice.State)
}

// NewHandler constructs a handler. The factory must return a fresh
// controller per call.
func NewHandler(newController func() *voice.Controller) *Handler {
	return &Handler{newController: newController}
}

// WithICEServers overrides the default STUN server list with a JSON array of
// webrtc.ICEServer objects.
func (h *Handler) WithICEServers(iceJSON string) *Handler {
	h.iceServersJSON = iceJSON
	return h
}

// WithStateListener registers an observer for per-call state snapshots.
func (h *Handler) WithStateListener(fn func(callID string, st voice.State)) *Handler {
	h.onState = fn
	return h
}

// HandleOffer accepts an SDP offer and returns an SDP answer with ICE
// gathering completed, ready for a non-trickle client.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := uuid.NewString()
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}

	h.bindSession(callID, pc, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer builds a PeerConnection with default codecs and interceptors plus
// the outgoing agent audio track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(h.iceServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// bindSession wires the controller lifecycle to the peer connection: mic
// audio in, agent audio out, state mirrored on a data channel, control
// commands honored.
func (h *Handler) bindSession(callID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		log.Printf("[%s] opus encoder: %v", callID, err)
		_ = pc.Close()
		return
	}

	ctrl := h.newController()
	ctrl.OnAgentAudio = func(audioBase64 string) {
		pcm, decErr := base64.StdEncoding.DecodeString(audioBase64)
		if decErr != nil {
			log.Printf("[%s] agent audio decode: %v", callID, decErr)
			return
		}
		paced.WritePCM(upsample16kTo48k(pcm))
	}

	stateDC, err := pc.CreateDataChannel("state", nil)
	if err != nil {
		log.Printf("[%s] state channel: %v", callID, err)
	}
	ctrl.OnChange = func(st voice.State) {
		if h.onState != nil {
			h.onState(callID, st)
		}
		if st.Status == voice.StatusDisconnected {
			paced.Reset()
		}
		if stateDC != nil && stateDC.ReadyState() == webrtc.DataChannelStateOpen {
			if payload, mErr := json.Marshal(st); mErr == nil {
				_ = stateDC.SendText(string(payload))
			}
		}
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] control channel opened", callID)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop", "stop-speaking", "cancel", "barge-in":
				ctrl.Stop()
				paced.Reset()
			case "start":
				if sErr := ctrl.Start(context.Background()); sErr != nil {
					log.Printf("[%s] restart: %v", callID, sErr)
				}
			}
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			ctrl.Stop()
			paced.FlushTail()
			paced.Close()
			_ = pc.Close()
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote audio track: codec=%s", callID, remote.Codec().MimeType)

		if sErr := ctrl.Start(context.Background()); sErr != nil {
			log.Printf("[%s] session start: %v", callID, sErr)
			return
		}

		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder: %v", callID, derr)
			ctrl.Stop()
			return
		}
		go h.pumpMic(callID, remote, dec, ctrl)
	})
}

// pumpMic decodes incoming Opus RTP to 16kHz PCM16LE and feeds the
// controller in fixed chunks.
func (h *Handler) pumpMic(callID string, remote *webrtc.TrackRemote, dec *opus.Decoder, ctrl *voice.Controller) {
	samples := make([]int16, 1920)
	buf := make([]byte, 0, micChunkBytes*4)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read: %v", callID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			log.Printf("[%s] opus decode: %v", callID, decErr)
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-startLen < need {
			tmp := make([]byte, startLen, startLen+need+micChunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:startLen+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= micChunkBytes {
			ctrl.FeedAudio(buf[:micChunkBytes])
			copy(buf, buf[micChunkBytes:])
			buf = buf[:len(buf)-micChunkBytes]
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if iceJSON != "" {
		if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
			return servers
		}
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
