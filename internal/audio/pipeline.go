// Package audio converts call-leg audio to and from the backend's canonical PCM format.
package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
)

const latencyWindow = 64

// Stats exposes pipeline counters for observability
type Stats struct {
	ChunksProcessed int64         `json:"chunksProcessed"`
	Errors          int64         `json:"errors"`
	AverageLatency  time.Duration `json:"averageLatency"`
}

// Pipeline enforces the canonical format at the backend boundary.
// Conversions are pure functions of their inputs; the only state is the counters.
type Pipeline struct {
	logger *zap.Logger

	processed atomic.Int64
	errors    atomic.Int64

	mu        sync.Mutex
	latencies [latencyWindow]time.Duration
	next      int
	filled    int
}

// NewPipeline creates a new audio pipeline
func NewPipeline(logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger: logger.With(zap.String("component", "audio_pipeline")),
	}
}

// ToBackendFormat converts buf from src into 16 kHz mono 16-bit linear PCM.
// A canonical src is passed through untouched.
func (p *Pipeline) ToBackendFormat(buf []byte, src domain.AudioFormat) ([]byte, error) {
	start := time.Now()
	if len(buf) == 0 {
		return []byte{}, nil
	}
	src = withDefaults(src)
	if src.IsCanonical() {
		p.observe(start)
		return buf, nil
	}
	if err := validate(buf, src); err != nil {
		p.fail(err)
		return nil, err
	}

	samples := decode(buf, src)
	mono := downmix(samples, src.Channels)
	mono = resample(mono, src.SampleRate, domain.CanonicalFormat.SampleRate)
	out := encode(mono, domain.CanonicalFormat)

	p.observe(start)
	return out, nil
}

// ToCallLegFormat converts canonical PCM in buf into dst.
// A canonical dst is passed through untouched.
func (p *Pipeline) ToCallLegFormat(buf []byte, dst domain.AudioFormat) ([]byte, error) {
	start := time.Now()
	if len(buf) == 0 {
		return []byte{}, nil
	}
	dst = withDefaults(dst)
	if dst.IsCanonical() {
		p.observe(start)
		return buf, nil
	}
	if err := validateFormat(dst); err != nil {
		p.fail(err)
		return nil, err
	}
	if err := validate(buf, domain.CanonicalFormat); err != nil {
		p.fail(err)
		return nil, err
	}

	mono := decode(buf, domain.CanonicalFormat)
	mono = resample(mono, domain.CanonicalFormat.SampleRate, dst.SampleRate)
	out := encode(upmix(mono, dst.Channels), dst)

	p.observe(start)
	return out, nil
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	var total time.Duration
	for i := 0; i < p.filled; i++ {
		total += p.latencies[i]
	}
	var avg time.Duration
	if p.filled > 0 {
		avg = total / time.Duration(p.filled)
	}
	p.mu.Unlock()

	return Stats{
		ChunksProcessed: p.processed.Load(),
		Errors:          p.errors.Load(),
		AverageLatency:  avg,
	}
}

func (p *Pipeline) observe(start time.Time) {
	p.processed.Add(1)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.latencies[p.next] = elapsed
	p.next = (p.next + 1) % latencyWindow
	if p.filled < latencyWindow {
		p.filled++
	}
	p.mu.Unlock()
}

func (p *Pipeline) fail(err error) {
	p.errors.Add(1)
	p.logger.Debug("Audio conversion rejected", zap.Error(err))
}

func withDefaults(f domain.AudioFormat) domain.AudioFormat {
	f = f.Normalize()
	if f.Encoding == domain.EncodingMulaw && f.BitDepth == 0 {
		f.BitDepth = 8
	}
	return f
}

func validateFormat(f domain.AudioFormat) error {
	switch {
	case f.SampleRate < 8000 || f.SampleRate > 48000:
		return &domain.AudioFormatError{Format: f, Reason: "sample rate must be between 8000 and 48000"}
	case f.Channels < 1 || f.Channels > 8:
		return &domain.AudioFormatError{Format: f, Reason: "channels must be between 1 and 8"}
	}
	switch f.Encoding {
	case domain.EncodingLinear:
		switch f.BitDepth {
		case 8, 16, 24, 32:
		default:
			return &domain.AudioFormatError{Format: f, Reason: "bit depth must be 8, 16, 24 or 32"}
		}
	case domain.EncodingMulaw:
		if f.BitDepth != 8 {
			return &domain.AudioFormatError{Format: f, Reason: "mulaw is 8-bit only"}
		}
	default:
		return &domain.AudioFormatError{Format: f, Reason: "unknown encoding"}
	}
	return nil
}

func validate(buf []byte, f domain.AudioFormat) error {
	if err := validateFormat(f); err != nil {
		return err
	}
	if len(buf)%f.FrameSize() != 0 {
		return &domain.AudioFormatError{Format: f, Reason: "buffer is not a whole number of frames"}
	}
	return nil
}
