package audio

import (
	"math"
)

// Interval is a half-open [Start, End) sample range.
type Interval struct {
	Start int
	End   int
}

func (i Interval) Len() int { return i.End - i.Start }

// Compactor shortens long silent gaps between voiced regions.
type Compactor struct {
	// TopDB is the threshold in decibels below the loudest frame under
	// which a frame counts as silent.
	TopDB float64
	// FrameLength and HopLength control the RMS analysis window, in samples.
	FrameLength int
	HopLength   int
	// MaxGap is the longest gap, in seconds, left untouched.
	MaxGap float64
	// TargetGap is the length, in seconds, a longer gap is replaced with.
	TargetGap float64
}

// DefaultCompactor returns the settings used for finished synthesis output.
func DefaultCompactor() Compactor {
	return Compactor{
		TopDB:       30,
		FrameLength: 2048,
		HopLength:   512,
		MaxGap:      0.8,
		TargetGap:   0.5,
	}
}

const amin = 1e-5

// SplitNonSilent returns the voiced intervals of samples, in order. Frames
// are centered on multiples of HopLength and zero padded at both ends.
func (c Compactor) SplitNonSilent(samples []float32) []Interval {
	frame, hop := c.window()
	rms := frameRMS(samples, frame, hop)
	if len(rms) == 0 {
		return nil
	}

	var ref float64
	for _, v := range rms {
		ref = math.Max(ref, v)
	}
	ref = math.Max(ref, amin)
	threshold := -c.TopDB

	voiced := func(i int) bool {
		return 20*math.Log10(math.Max(rms[i], amin)/ref) > threshold
	}

	var (
		out   []Interval
		start = -1
	)
	toSample := func(f int) int { return min(f*hop, len(samples)) }
	for i := range rms {
		switch on := voiced(i); {
		case on && start < 0:
			start = i
		case !on && start >= 0:
			out = appendInterval(out, toSample(start), toSample(i))
			start = -1
		}
	}
	if start >= 0 {
		out = appendInterval(out, toSample(start), len(samples))
	}
	return out
}

// Compact replaces every gap between consecutive voiced intervals that is
// longer than MaxGap with exactly TargetGap seconds of zeros. Voiced
// samples, shorter gaps and the leading and trailing silence are copied
// unchanged. Input without voiced intervals is returned as is.
func (c Compactor) Compact(samples []float32, sampleRate int) []float32 {
	intervals := c.SplitNonSilent(samples)
	if len(intervals) == 0 || sampleRate <= 0 {
		return samples
	}
	maxGap := int(c.MaxGap * float64(sampleRate))
	target := int(c.TargetGap * float64(sampleRate))
	if target > maxGap {
		target = maxGap
	}

	out := make([]float32, 0, len(samples))
	out = append(out, samples[:intervals[0].Start]...)
	for i, iv := range intervals {
		if i > 0 {
			prev := intervals[i-1].End
			if gap := iv.Start - prev; gap > maxGap {
				out = append(out, make([]float32, target)...)
			} else {
				out = append(out, samples[prev:iv.Start]...)
			}
		}
		out = append(out, samples[iv.Start:iv.End]...)
	}
	return append(out, samples[intervals[len(intervals)-1].End:]...)
}

func (c Compactor) window() (int, int) {
	frame, hop := c.FrameLength, c.HopLength
	if frame <= 0 {
		frame = 2048
	}
	if hop <= 0 {
		hop = frame / 4
	}
	if hop <= 0 {
		hop = 1
	}
	return frame, hop
}

func frameRMS(samples []float32, frame, hop int) []float64 {
	pad := frame / 2
	padded := len(samples) + 2*pad
	if padded < frame {
		return nil
	}
	n := 1 + (padded-frame)/hop
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		lo := i*hop - pad
		var sum float64
		for j := max(lo, 0); j < min(lo+frame, len(samples)); j++ {
			v := float64(samples[j])
			sum += v * v
		}
		out[i] = math.Sqrt(sum / float64(frame))
	}
	return out
}

func appendInterval(out []Interval, start, end int) []Interval {
	if end > start {
		out = append(out, Interval{Start: start, End: end})
	}
	return out
}
