// Package prompt builds and chains the voice-identity anchor ("prompt
// cache") handed to the synthesis primitive.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/allssai/voxcpm-kazakh-tts/internal/lang"
)

// ErrMissingFile is returned when a reference waveform does not exist.
var ErrMissingFile = errors.New("reference waveform not found")

// Feature is an audio-derived representation produced by the model. The
// orchestration layer never looks inside it.
type Feature []byte

// Origin tells where a cache came from.
type Origin int

const (
	// OriginExternal caches are built from caller-supplied reference audio.
	OriginExternal Origin = iota + 1
	// OriginChained caches reuse the previous utterance's own output.
	OriginChained
)

func (o Origin) String() string {
	switch o {
	case OriginExternal:
		return "external"
	case OriginChained:
		return "chained"
	default:
		return "none"
	}
}

// Cache is an immutable prompt cache. A nil *Cache means the model's
// default voice.
type Cache struct {
	Text          string
	Feature       Feature
	CrossLanguage bool
	UseText       bool
	Origin        Origin
}

// BuildRequest asks a Builder to derive a cache from reference audio.
type BuildRequest struct {
	WavPath       string
	Text          string
	UseText       bool
	CrossLanguage bool
}

// Builder derives prompt features from a reference waveform.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (Feature, error)
}

// Manager builds external caches.
type Manager struct {
	builder Builder
	log     *slog.Logger
}

func NewManager(builder Builder, log *slog.Logger) *Manager {
	return &Manager{
		builder: builder,
		log:     log.With(slog.String("component", "prompt-cache")),
	}
}

// CheckReference fails with ErrMissingFile if wavPath does not exist.
func CheckReference(wavPath string) error {
	if _, err := os.Stat(wavPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingFile, wavPath)
		}
		return fmt.Errorf("stat reference waveform: %w", err)
	}
	return nil
}

// BuildExternal builds the fixed cache used for every utterance of a request
// that supplies reference audio. With a transcript the cache is text-aligned
// and flagged cross-language when the transcript and the target text are
// dominated by different scripts. Without one it is an audio-only anchor.
func (m *Manager) BuildExternal(ctx context.Context, wavPath, refText, targetText string) (*Cache, error) {
	if err := CheckReference(wavPath); err != nil {
		return nil, err
	}

	req := BuildRequest{WavPath: wavPath}
	if ref := strings.TrimSpace(refText); ref != "" {
		req.Text = ref
		req.UseText = true
		req.CrossLanguage = lang.DetectCrossLanguage(ref, targetText)
		m.log.Info("building text-aligned prompt cache",
			slog.Bool("cross_language", req.CrossLanguage),
			slog.String("reference_script", string(lang.Classify(ref, lang.CrossLanguage))),
			slog.String("target_script", string(lang.Classify(targetText, lang.CrossLanguage))))
	} else {
		m.log.Info("building audio-only prompt cache", slog.String("wav", wavPath))
	}

	feature, err := m.builder.Build(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build prompt cache: %w", err)
	}
	return &Cache{
		Text:          req.Text,
		Feature:       feature,
		CrossLanguage: req.CrossLanguage,
		UseText:       req.UseText,
		Origin:        OriginExternal,
	}, nil
}

// Chain returns a cache anchored on the previous utterance's text and the
// last feature emitted while generating it.
func Chain(prevText string, last Feature) *Cache {
	return &Cache{
		Text:    prevText,
		Feature: last,
		UseText: true,
		Origin:  OriginChained,
	}
}

// Next computes the cache for the following utterance. External caches are
// returned unchanged, as is the current cache when chaining is disabled or
// the utterance produced no feature.
func Next(current *Cache, chaining bool, uttText string, last Feature) *Cache {
	if current != nil && current.Origin == OriginExternal {
		return current
	}
	if !chaining || last == nil {
		return current
	}
	return Chain(uttText, last)
}
