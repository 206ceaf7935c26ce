package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	// 20ms at 48kHz mono.
	opusFrameSamples = 960
	frameDuration    = 20 * time.Millisecond
)

// sampleWriter is the part of a local track the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM16LE mono to Opus and writes frames to a
// WebRTC track at real-time pace. Agent audio arrives in bursts; without
// pacing the browser jitter buffer drops most of it.
type OpusPacedWriter struct {
	enc     *opus.Encoder
	track   sampleWriter
	pcmBuf  []int16
	frames  chan []byte
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer emitting 20ms frames.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers 48kHz mono PCM16LE and emits encoded frames as soon as a
// full frame is available.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= opusFrameSamples {
		frame := w.pcmBuf[:opusFrameSamples]
		n, _ := w.enc.Encode(frame, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[opusFrameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-opusFrameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail so the last words are not clipped.
func (w *OpusPacedWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, opusFrameSamples)
		copy(pad, w.pcmBuf)
		n, _ := w.enc.Encode(pad, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	// ~200ms of silence
	silence := make([]int16, opusFrameSamples)
	for i := 0; i < 10; i++ {
		n, _ := w.enc.Encode(silence, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
	}
}

// Reset drops queued frames and buffered PCM for immediate interruption.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}

// Close stops the pacer. Safe to call more than once.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

// upsample16kTo48k converts 16kHz PCM16LE mono to 48kHz by linear
// interpolation. The agent speaks 16kHz PCM; the browser track runs at 48kHz.
func upsample16kTo48k(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*3*2)
	prev := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
	for i := 0; i < n; i++ {
		cur := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		for j := 0; j < 3; j++ {
			v := int32(prev) + (int32(cur)-int32(prev))*int32(j+1)/3
			o := (i*3 + j) * 2
			out[o] = byte(uint16(v))
			out[o+1] = byte(uint16(v) >> 8)
		}
		prev = cur
	}
	return out
}
