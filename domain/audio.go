package domain

import "fmt"

// AudioEncoding names the sample encoding of a PCM stream.
type AudioEncoding string

const (
	EncodingLinear AudioEncoding = "linear"
	EncodingMulaw  AudioEncoding = "mulaw"
)

// AudioFormat describes a raw audio stream.
type AudioFormat struct {
	SampleRate int           `json:"sampleRate" yaml:"sample_rate"`
	Channels   int           `json:"channels" yaml:"channels"`
	BitDepth   int           `json:"bitDepth" yaml:"bit_depth"`
	Encoding   AudioEncoding `json:"encoding,omitempty" yaml:"encoding"`
}

// CanonicalFormat is the only format the backend agent accepts: 16 kHz mono 16-bit linear PCM.
var CanonicalFormat = AudioFormat{
	SampleRate: 16000,
	Channels:   1,
	BitDepth:   16,
	Encoding:   EncodingLinear,
}

// TelephonyFormat is the usual PSTN media-stream format: 8 kHz mono mu-law.
var TelephonyFormat = AudioFormat{
	SampleRate: 8000,
	Channels:   1,
	BitDepth:   8,
	Encoding:   EncodingMulaw,
}

// Normalize fills the encoding default.
func (f AudioFormat) Normalize() AudioFormat {
	if f.Encoding == "" {
		f.Encoding = EncodingLinear
	}
	return f
}

// Equal reports whether two formats describe the same byte layout.
func (f AudioFormat) Equal(o AudioFormat) bool {
	return f.Normalize() == o.Normalize()
}

// IsCanonical reports whether f is the backend format.
func (f AudioFormat) IsCanonical() bool {
	return f.Equal(CanonicalFormat)
}

// FrameSize is the number of bytes holding one sample for every channel.
func (f AudioFormat) FrameSize() int {
	return f.Channels * (f.BitDepth / 8)
}

func (f AudioFormat) String() string {
	f = f.Normalize()
	return fmt.Sprintf("%s/%dHz/%dch/%dbit", f.Encoding, f.SampleRate, f.Channels, f.BitDepth)
}
