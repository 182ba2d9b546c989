// Package audio holds waveform helpers shared by the engine, the job
// service and the CLI: PCM conversion, level checks, WAV files and silence
// compaction.
package audio

import (
	"math"
)

const (
	// SilenceFloor is the peak amplitude under which a waveform counts as
	// silent.
	SilenceFloor = 1e-6
	// QuietMean is the mean absolute amplitude under which AutoGain boosts
	// a waveform.
	QuietMean = 0.001
	// QuietGain is the factor applied by AutoGain.
	QuietGain = 50
)

// Int16ToFloat32 converts PCM int16 samples to float32 in [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Float32ToInt16 converts float32 samples to PCM int16, clamping to [-1, 1].
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = int16(clamp(s) * math.MaxInt16)
	}
	return out
}

// BytesToInt16 decodes little-endian 16-bit samples.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM.
func Int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func BytesToFloat32(b []byte) []float32 {
	return Int16ToFloat32(BytesToInt16(b))
}

func Float32ToBytes(in []float32) []byte {
	return Int16ToBytes(Float32ToInt16(in))
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// MeanAbs returns the mean absolute sample value, 0 for an empty slice.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// IsSilent reports whether samples is empty or never rises above
// SilenceFloor.
func IsSilent(samples []float32) bool {
	return len(samples) == 0 || Peak(samples) < SilenceFloor
}

// AutoGain boosts very quiet but non-silent waveforms by QuietGain. It
// returns a new slice when it applies gain and reports whether it did.
func AutoGain(samples []float32) ([]float32, bool) {
	mean := MeanAbs(samples)
	if mean <= 0 || mean >= QuietMean {
		return samples, false
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = clamp(s * QuietGain)
	}
	return out, true
}

// Concat joins waveform chunks into one slice.
func Concat(chunks [][]float32) []float32 {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]float32, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Duration returns the length in seconds of n samples at sampleRate.
func Duration(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
