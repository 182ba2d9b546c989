package audio

import (
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func squareWave(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 0.5
		} else {
			out[i] = -0.5
		}
	}
	return out
}

func join(parts ...[]float32) []float32 {
	return Concat(parts)
}

func sampleCompactor() Compactor {
	c := DefaultCompactor()
	c.FrameLength = 1
	c.HopLength = 1
	return c
}

func TestCompactShrinksLongGap(t *testing.T) {
	const sr = 44100
	before := squareWave(sr / 2)
	after := squareWave(sr / 2)
	gap := make([]float32, sr*12/10)
	input := join(before, gap, after)

	c := sampleCompactor()
	intervals := c.SplitNonSilent(input)
	want := []Interval{{0, len(before)}, {len(before) + len(gap), len(input)}}
	if !reflect.DeepEqual(intervals, want) {
		t.Fatalf("intervals = %v, want %v", intervals, want)
	}

	out := c.Compact(input, sr)
	if removed := len(input) - len(out); removed != sr*7/10 {
		t.Fatalf("removed %d samples, want %d", removed, sr*7/10)
	}
	if !reflect.DeepEqual(out[:len(before)], before) {
		t.Fatal("leading voiced content changed")
	}
	if !reflect.DeepEqual(out[len(out)-len(after):], after) {
		t.Fatal("trailing voiced content changed")
	}
	for i, s := range out[len(before) : len(before)+sr/2] {
		if s != 0 {
			t.Fatalf("replacement gap sample %d = %v", i, s)
		}
	}
}

func TestCompactKeepsShortGap(t *testing.T) {
	const sr = 16000
	input := join(squareWave(sr/4), make([]float32, sr*3/10), squareWave(sr/4))
	out := sampleCompactor().Compact(input, sr)
	if !reflect.DeepEqual(out, input) {
		t.Fatal("gaps under the limit must be preserved")
	}
}

func TestCompactKeepsEdgeSilence(t *testing.T) {
	const sr = 16000
	lead := make([]float32, sr)
	trail := make([]float32, sr)
	input := join(lead, squareWave(sr/4), trail)
	out := sampleCompactor().Compact(input, sr)
	if len(out) != len(input) {
		t.Fatalf("edge silence changed length: %d -> %d", len(input), len(out))
	}
}

func TestCompactSilentInputUnchanged(t *testing.T) {
	input := make([]float32, 4000)
	out := DefaultCompactor().Compact(input, 16000)
	if len(out) != len(input) {
		t.Fatalf("silent input must be returned unchanged")
	}
	if got := DefaultCompactor().Compact(nil, 16000); len(got) != 0 {
		t.Fatalf("empty input produced %d samples", len(got))
	}
}

func TestCompactDefaultWindowNeverGrows(t *testing.T) {
	const sr = 22050
	tone := make([]float32, sr/2)
	for i := range tone {
		tone[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/sr))
	}
	input := join(tone, make([]float32, 2*sr), tone)
	out := DefaultCompactor().Compact(input, sr)
	if len(out) >= len(input) {
		t.Fatalf("expected a shorter waveform, got %d >= %d", len(out), len(input))
	}
}

func TestCompactDefaultWindowGap(t *testing.T) {
	const sr = 44100
	before := squareWave(sr / 2)
	after := squareWave(sr / 2)
	gap := make([]float32, sr*12/10)
	input := join(before, gap, after)

	c := DefaultCompactor()
	intervals := c.SplitNonSilent(input)
	if len(intervals) != 2 {
		t.Fatalf("expected two voiced intervals, got %v", intervals)
	}
	first, second := intervals[0], intervals[1]
	if first.Start != 0 || first.End < len(before) || second.Start > len(before)+len(gap) || second.End != len(input) {
		t.Fatalf("voiced intervals %v do not cover the tones", intervals)
	}
	// The analysis window reaches into the silence, so the detected gap is
	// narrower than the real one.
	detected := second.Start - first.End
	if detected >= len(gap) {
		t.Fatalf("detected gap %d should be narrower than %d", detected, len(gap))
	}

	target := int(c.TargetGap * sr)
	out := c.Compact(input, sr)
	if removed := len(input) - len(out); removed != detected-target {
		t.Fatalf("removed %d samples, want %d", removed, detected-target)
	}
	for i, s := range out[first.End : first.End+target] {
		if s != 0 {
			t.Fatalf("replacement gap sample %d = %v", i, s)
		}
	}
	if !reflect.DeepEqual(out[:first.End], input[:first.End]) {
		t.Fatal("leading voiced interval changed")
	}
	if !reflect.DeepEqual(out[first.End+target:], input[second.Start:]) {
		t.Fatal("trailing voiced interval changed")
	}
	if !reflect.DeepEqual(out[:len(before)], before) || !reflect.DeepEqual(out[len(out)-len(after):], after) {
		t.Fatal("voiced samples changed")
	}
}

func TestPCMRoundTripClamps(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1.5, -1.5}
	pcm := Float32ToInt16(in)
	if pcm[3] != math.MaxInt16 || pcm[4] != -math.MaxInt16 {
		t.Fatalf("expected clamping, got %v", pcm)
	}
	back := BytesToFloat32(Float32ToBytes(in))
	for i, want := range []float32{0, 0.5, -0.5, 1, -1} {
		if math.Abs(float64(back[i]-want)) > 1e-4 {
			t.Fatalf("sample %d = %v, want %v", i, back[i], want)
		}
	}
}

func TestLevels(t *testing.T) {
	if !IsSilent(nil) || !IsSilent(make([]float32, 10)) {
		t.Fatal("empty and zero waveforms are silent")
	}
	if IsSilent([]float32{0, 0.01}) {
		t.Fatal("audible waveform reported silent")
	}
	if p := Peak([]float32{0.1, -0.7, 0.3}); p != 0.7 {
		t.Fatalf("Peak = %v", p)
	}

	quiet := []float32{0.0005, -0.0005}
	boosted, ok := AutoGain(quiet)
	if !ok || math.Abs(float64(boosted[0])-0.025) > 1e-6 {
		t.Fatalf("AutoGain = %v, %v", boosted, ok)
	}
	if quiet[0] != 0.0005 {
		t.Fatal("AutoGain must not modify its input")
	}
	if _, ok := AutoGain(make([]float32, 4)); ok {
		t.Fatal("silence must not be boosted")
	}
	if _, ok := AutoGain([]float32{0.2, -0.2}); ok {
		t.Fatal("normal levels must not be boosted")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "speech.wav")
	samples := squareWave(16000)
	if err := WriteWAV(path, samples, 16000); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := ReadWAVInfo(path)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Fatalf("unexpected info %+v", info)
	}
	if d := info.Duration - time.Second; d < -10*time.Millisecond || d > 10*time.Millisecond {
		t.Fatalf("duration = %v", info.Duration)
	}

	back, sr, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if sr != 16000 || len(back) != len(samples) {
		t.Fatalf("read %d samples at %d Hz", len(back), sr)
	}
	if math.Abs(float64(back[0]-0.5)) > 1e-4 {
		t.Fatalf("first sample = %v", back[0])
	}
}
