// Package audio holds the PCM primitives shared by capture and
// playback: chunk reassembly with residual carry, little-endian sample
// decoding, normalized-float conversion, and loudness metering.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// Mono 16-bit signed little-endian PCM on both sides. Capture and
	// playback rates differ; a stream arriving at a rate other than the
	// graph consuming it is a configuration bug, not a runtime error.
	BytesPerSample = 2
	CaptureRate    = 16000
	PlaybackRate   = 24000
)

// Assembler reassembles sample-aligned PCM across arbitrary chunk
// boundaries. Network chunks may split anywhere, including mid-sample;
// the dangling byte is carried and prepended to the next chunk. The
// carried residual is always shorter than one sample (0 or 1 bytes).
//
// The zero value is ready to use. An Assembler is single-writer: only
// the stream read loop that owns it may call Push, Flush or Reset.
type Assembler struct {
	residual []byte
}

// Push decodes as many whole samples as chunk plus the carried residual
// allow and keeps the remainder for the next call. Returns nil when the
// combined input is still shorter than one sample.
func (a *Assembler) Push(chunk []byte) []int16 {
	buf := make([]byte, 0, len(a.residual)+len(chunk))
	buf = append(buf, a.residual...)
	buf = append(buf, chunk...)
	usable := len(buf) / BytesPerSample * BytesPerSample
	a.residual = append(a.residual[:0], buf[usable:]...)
	return Samples(buf[:usable])
}

// Flush forces a final pass with no further input and discards whatever
// remains. A residual is never a whole sample, so this yields samples
// only if the alignment invariant was broken upstream.
func (a *Assembler) Flush() []int16 {
	out := a.Push(nil)
	a.residual = a.residual[:0]
	return out
}

// Reset drops the carried residual without decoding it.
func (a *Assembler) Reset() {
	a.residual = a.residual[:0]
}

// Pending reports the carried residual length in bytes.
func (a *Assembler) Pending() int {
	return len(a.residual)
}

// Samples reinterprets little-endian s16 bytes as samples. A trailing
// odd byte is ignored; callers keep alignment via Assembler.
func Samples(b []byte) []int16 {
	n := len(b) / BytesPerSample
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// Floats converts samples to normalized [-1, 1] floats for the output
// graph, clamping at the rails.
func Floats(samples []int16) []float32 {
	if len(samples) == 0 {
		return nil
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		f := float32(s) / 32768
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = f
	}
	return out
}

// Bytes is the inverse of Samples: little-endian s16 encoding.
func Bytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// FloatsToBytes renders normalized floats back to little-endian s16,
// clamping at the rails. Used where a byte transport carries graph
// output.
func FloatsToBytes(frame []float32) []byte {
	if len(frame) == 0 {
		return nil
	}
	out := make([]byte, len(frame)*BytesPerSample)
	for i, f := range frame {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// RMS computes the root-mean-square level of a little-endian s16 frame
// over every stride-th sample, normalized to [0, 1]. Sparse sampling
// keeps the per-frame cost low on the capture path; stride <= 1 reads
// every sample.
func RMS(frame []byte, stride int) float64 {
	if stride < 1 {
		stride = 1
	}
	step := stride * BytesPerSample
	var sum float64
	n := 0
	for i := 0; i+1 < len(frame); i += step {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i:])))
		sum += s * s
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
