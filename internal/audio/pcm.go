package audio

import (
	"encoding/binary"
	"math"

	"github.com/satriahrh/callbridge/domain"
)

// Samples are carried as float64 in [-1, 1) between decode and encode.

func decode(buf []byte, f domain.AudioFormat) []float64 {
	width := f.BitDepth / 8
	out := make([]float64, len(buf)/width)
	for i := range out {
		b := buf[i*width : (i+1)*width]
		switch {
		case f.Encoding == domain.EncodingMulaw:
			out[i] = float64(mulawDecode(b[0])) / 32768
		case width == 1:
			out[i] = (float64(b[0]) - 128) / 128
		case width == 2:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b))) / 32768
		case width == 3:
			v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
			if v&0x800000 != 0 {
				v -= 1 << 24
			}
			out[i] = float64(v) / 8388608
		case width == 4:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}
	}
	return out
}

func encode(samples []float64, f domain.AudioFormat) []byte {
	width := f.BitDepth / 8
	out := make([]byte, len(samples)*width)
	for i, s := range samples {
		b := out[i*width : (i+1)*width]
		switch {
		case f.Encoding == domain.EncodingMulaw:
			b[0] = mulawEncode(int16(quantize(s, 32768)))
		case width == 1:
			b[0] = byte(quantize(s, 128) + 128)
		case width == 2:
			binary.LittleEndian.PutUint16(b, uint16(int16(quantize(s, 32768))))
		case width == 3:
			v := uint32(int32(quantize(s, 8388608)))
			b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
		case width == 4:
			binary.LittleEndian.PutUint32(b, uint32(int32(quantize(s, 2147483648))))
		}
	}
	return out
}

// quantize scales s to a signed integer with the given full scale, clamped to range.
func quantize(s, scale float64) int64 {
	v := math.Round(s * scale)
	if v > scale-1 {
		v = scale - 1
	}
	if v < -scale {
		v = -scale
	}
	return int64(v)
}

func downmix(samples []float64, channels int) []float64 {
	if channels == 1 {
		return samples
	}
	out := make([]float64, len(samples)/channels)
	for i := range out {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

func upmix(mono []float64, channels int) []float64 {
	if channels == 1 {
		return mono
	}
	out := make([]float64, len(mono)*channels)
	for i, s := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

// resample converts a mono signal between rates by linear interpolation.
func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		n = 1
	}
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawEncode is the G.711 mu-law compressor.
func mulawEncode(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// mulawDecode is the G.711 mu-law expander.
func mulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	s := ((int32(mantissa) << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}
