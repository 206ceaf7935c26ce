// Package level computes a normalized microphone loudness value for the
// panel's waveform animation. It consumes PCM16LE mono audio and publishes a
// [0,1] level at animation-frame cadence.
package level

import (
	"encoding/binary"
	"math"
	"math/cmplx"
	"sync"
	"time"
)

const (
	// transformSize is the fixed analysis window, in samples. Power of two.
	transformSize = 256
	// frameInterval approximates one animation frame.
	frameInterval = 16 * time.Millisecond
	// minDB/maxDB bound the per-bin dBFS range mapped onto [0,1].
	minDB = -100.0
	maxDB = -30.0
)

// Sampler holds the most recent audio in a ring buffer and measures its mean
// spectral magnitude once per frame while running.
type Sampler struct {
	ring    *sampleRing
	onLevel func(float64)

	mu      sync.Mutex
	level   float64
	running bool
	stopCh  chan struct{}
}

// NewSampler constructs a sampler. onLevel may be nil; when set it receives
// every published level including the final 0 on Stop.
func NewSampler(onLevel func(float64)) *Sampler {
	return &Sampler{
		ring:    newSampleRing(transformSize * 4),
		onLevel: onLevel,
	}
}

// Start begins the frame loop. Starting a running sampler is a no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go s.frameLoop(stop)
}

// Push appends PCM16LE mono samples to the analysis window.
func (s *Sampler) Push(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	s.ring.Write(samples)
}

// Level returns the most recently published level in [0,1].
func (s *Sampler) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Stop cancels the frame loop and resets the level to 0. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.level = 0
	s.mu.Unlock()

	s.ring.Reset()
	if s.onLevel != nil {
		s.onLevel(0)
	}
}

func (s *Sampler) frameLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v := s.measure()
			s.mu.Lock()
			if !s.running {
				s.mu.Unlock()
				return
			}
			s.level = v
			s.mu.Unlock()
			if s.onLevel != nil {
				s.onLevel(v)
			}
		}
	}
}

// measure computes the mean normalized magnitude of the current window.
// Each bin magnitude is converted to dBFS and mapped linearly from
// [minDB,maxDB] onto [0,1], mirroring how byte frequency data is commonly
// scaled for bar-graph visualizations; the arithmetic mean of the bins is the
// published level.
func (s *Sampler) measure() float64 {
	samples := s.ring.Last(transformSize)
	if len(samples) < transformSize {
		return 0
	}

	buf := make([]complex128, transformSize)
	for i, v := range samples {
		w := hann(i, transformSize)
		buf[i] = complex(float64(v)/32768.0*w, 0)
	}
	fft(buf)

	// Hann coherent gain is 0.5; scale magnitudes back to amplitude estimates.
	const windowGain = 0.5
	scale := 2.0 / (float64(transformSize) * windowGain)

	var sum float64
	bins := transformSize / 2
	for i := 0; i < bins; i++ {
		amp := cmplx.Abs(buf[i]) * scale
		db := minDB
		if amp > 0 {
			db = 20 * math.Log10(amp)
		}
		n := (db - minDB) / (maxDB - minDB)
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		sum += n
	}
	return sum / float64(bins)
}

func hann(i, n int) float64 {
	return 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
}

// fft performs an in-place radix-2 transform. len(buf) must be a power of two.
func fft(buf []complex128) {
	n := len(buf)
	// bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, ang)
		for start := 0; start < n; start += length {
			w := complex(1, 0)
			for k := 0; k < length/2; k++ {
				u := buf[start+k]
				v := buf[start+k+length/2] * w
				buf[start+k] = u + v
				buf[start+k+length/2] = u - v
				w *= wl
			}
		}
	}
}

// sampleRing stores the most recent PCM samples for analysis snapshots.
type sampleRing struct {
	mu       sync.Mutex
	buf      []int16
	writePos int
	filled   int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]int16, capacity)}
}

func (r *sampleRing) Write(samples []int16) {
	r.mu.Lock()
	for _, v := range samples {
		r.buf[r.writePos] = v
		r.writePos = (r.writePos + 1) % len(r.buf)
	}
	r.filled += len(samples)
	if r.filled > len(r.buf) {
		r.filled = len(r.buf)
	}
	r.mu.Unlock()
}

// Last returns up to n of the most recent samples, oldest first.
func (r *sampleRing) Last(n int) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.filled {
		n = r.filled
	}
	out := make([]int16, n)
	start := (r.writePos - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *sampleRing) Reset() {
	r.mu.Lock()
	r.writePos = 0
	r.filled = 0
	r.mu.Unlock()
}
