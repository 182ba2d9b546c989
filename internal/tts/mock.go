package tts

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"
	"unicode/utf8"

	"github.com/allssai/voxcpm-kazakh-tts/internal/prompt"
)

const (
	mockRunesPerFrame = 16
	mockFrameSeconds  = 0.08
)

// MockPrimitive renders deterministic tones instead of speech. It also
// builds prompt caches, so it can stand in for the whole model.
type MockPrimitive struct {
	sampleRate int
	delay      time.Duration
}

func NewMockPrimitive(sampleRate int, delay time.Duration) *MockPrimitive {
	return &MockPrimitive{sampleRate: sampleRate, delay: delay}
}

func (m *MockPrimitive) SampleRate() int { return m.sampleRate }

// GenerateWithCache emits one frame per mockRunesPerFrame runes of text.
// Every frame carries a feature naming the utterance and frame index.
func (m *MockPrimitive) GenerateWithCache(ctx context.Context, req GenerationRequest) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		defer close(errs)

		count := max(1, (utf8.RuneCountInString(req.Text)+mockRunesPerFrame-1)/mockRunesPerFrame)
		freq := toneFor(req.Text, req.Cache)
		n := int(mockFrameSeconds * float64(m.sampleRate))
		for i := 0; i < count; i++ {
			if m.delay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.delay):
				}
			}
			samples := make([]float32, n)
			for j := range samples {
				t := float64(i*n+j) / float64(m.sampleRate)
				samples[j] = float32(0.3 * math.Sin(2*math.Pi*freq*t))
			}
			frame := Frame{
				Samples: samples,
				Token:   i,
				Feature: prompt.Feature(fmt.Sprintf("%s#%d", req.Text, i)),
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return frames, errs
}

// Build returns a feature derived from the reference path and text.
func (m *MockPrimitive) Build(_ context.Context, req prompt.BuildRequest) (prompt.Feature, error) {
	return prompt.Feature(fmt.Sprintf("ref:%s|%s", req.WavPath, req.Text)), nil
}

// toneFor picks a pitch between 180 and 420 Hz from the voice anchor, so
// cached and uncached requests sound different.
func toneFor(text string, cache *prompt.Cache) float64 {
	h := fnv.New32a()
	if cache != nil {
		_, _ = h.Write(cache.Feature)
	} else {
		_, _ = h.Write([]byte(text))
	}
	return 180 + float64(h.Sum32()%240)
}
