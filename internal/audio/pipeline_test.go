package audio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/satriahrh/callbridge/domain"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samples16(buf []byte) []int16 {
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

func TestToBackendFormat_CanonicalPassThrough(t *testing.T) {
	p := NewPipeline(nil)
	in := pcm16(1, -2, 300, -32768, 32767)

	out, err := p.ToBackendFormat(in, domain.CanonicalFormat)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = p.ToCallLegFormat(in, domain.AudioFormat{SampleRate: 16000, Channels: 1, BitDepth: 16})
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.Equal(t, int64(2), p.Stats().ChunksProcessed)
}

func TestToBackendFormat_Empty(t *testing.T) {
	p := NewPipeline(nil)

	out, err := p.ToBackendFormat(nil, domain.TelephonyFormat)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)

	out, err = p.ToCallLegFormat([]byte{}, domain.AudioFormat{SampleRate: 1})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestToBackendFormat_TelephonyUpsamples(t *testing.T) {
	p := NewPipeline(nil)
	in := make([]byte, 160) // 20ms of 8kHz mu-law
	for i := range in {
		in[i] = 0xFF
	}

	out, err := p.ToBackendFormat(in, domain.TelephonyFormat)
	require.NoError(t, err)
	assert.Len(t, out, 640)
	for _, s := range samples16(out) {
		assert.Zero(t, s)
	}
}

func TestToBackendFormat_DownmixAverages(t *testing.T) {
	p := NewPipeline(nil)
	stereo := domain.AudioFormat{SampleRate: 16000, Channels: 2, BitDepth: 16}

	out, err := p.ToBackendFormat(pcm16(1000, 3000, -400, 400), stereo)
	require.NoError(t, err)
	assert.Equal(t, []int16{2000, 0}, samples16(out))
}

func TestToBackendFormat_HighRateMultiChannel(t *testing.T) {
	p := NewPipeline(nil)
	src := domain.AudioFormat{SampleRate: 48000, Channels: 2, BitDepth: 24}

	out, err := p.ToBackendFormat(make([]byte, 480*6), src)
	require.NoError(t, err)
	assert.Len(t, out, 160*2)
}

func TestToBackendFormat_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		src  domain.AudioFormat
	}{
		{"rate too low", pcm16(1), domain.AudioFormat{SampleRate: 4000, Channels: 1, BitDepth: 16}},
		{"rate too high", pcm16(1), domain.AudioFormat{SampleRate: 96000, Channels: 1, BitDepth: 16}},
		{"no channels", pcm16(1), domain.AudioFormat{SampleRate: 8000, Channels: 0, BitDepth: 16}},
		{"odd bit depth", pcm16(1), domain.AudioFormat{SampleRate: 8000, Channels: 1, BitDepth: 12}},
		{"wide mulaw", pcm16(1), domain.AudioFormat{SampleRate: 8000, Channels: 1, BitDepth: 16, Encoding: domain.EncodingMulaw}},
		{"unknown encoding", pcm16(1), domain.AudioFormat{SampleRate: 8000, Channels: 1, BitDepth: 16, Encoding: "alaw"}},
		{"partial frame", []byte{1, 2, 3}, domain.AudioFormat{SampleRate: 8000, Channels: 1, BitDepth: 16}},
	}

	p := NewPipeline(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ToBackendFormat(tt.buf, tt.src)
			var formatErr *domain.AudioFormatError
			require.True(t, errors.As(err, &formatErr), "expected AudioFormatError, got %v", err)
		})
	}
	assert.Equal(t, int64(len(tests)), p.Stats().Errors)
	assert.Zero(t, p.Stats().ChunksProcessed)
}

func TestToCallLegFormat_RejectsPartialCanonicalFrame(t *testing.T) {
	p := NewPipeline(nil)
	_, err := p.ToCallLegFormat([]byte{1, 2, 3}, domain.TelephonyFormat)
	var formatErr *domain.AudioFormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestToCallLegFormat_Telephony(t *testing.T) {
	p := NewPipeline(nil)
	out, err := p.ToCallLegFormat(make([]byte, 640), domain.TelephonyFormat)
	require.NoError(t, err)
	assert.Len(t, out, 160)
	for _, b := range out {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestPipeline_RoundTripLossless(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewPipeline(nil)
		raw := rapid.SliceOfN(rapid.Int16(), 1, 256).Draw(t, "samples")
		legFormat := domain.AudioFormat{
			SampleRate: 16000,
			Channels:   rapid.IntRange(1, 8).Draw(t, "channels"),
			BitDepth:   rapid.SampledFrom([]int{16, 24, 32}).Draw(t, "bitDepth"),
		}

		in := pcm16(raw...)
		leg, err := p.ToCallLegFormat(in, legFormat)
		if err != nil {
			t.Fatalf("to call leg: %v", err)
		}
		if len(leg) != len(raw)*legFormat.FrameSize() {
			t.Fatalf("unexpected call-leg length %d", len(leg))
		}
		back, err := p.ToBackendFormat(leg, legFormat)
		if err != nil {
			t.Fatalf("to backend: %v", err)
		}
		if string(back) != string(in) {
			t.Fatalf("round trip changed samples for %s", legFormat)
		}
	})
}

func TestMulawRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		decoded := mulawDecode(byte(i))
		again := mulawDecode(mulawEncode(decoded))
		if again != decoded {
			t.Errorf("byte %#x: decoded %d, re-encoded to %d", i, decoded, again)
		}
	}
}

func TestMulawEncodeKnownValues(t *testing.T) {
	assert.Equal(t, byte(0xFF), mulawEncode(0))
	assert.Equal(t, byte(0x80), mulawEncode(32767))
	assert.Equal(t, byte(0x00), mulawEncode(-32768))
}
