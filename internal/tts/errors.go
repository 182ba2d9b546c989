package tts

import (
	"errors"
	"fmt"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/prompt"
)

var (
	// ErrInvalidInput is returned for empty or whitespace-only text.
	ErrInvalidInput = errors.New("text must not be empty")

	// ErrMissingFile is returned when the reference waveform does not exist.
	ErrMissingFile = prompt.ErrMissingFile

	// ErrGenerationFailure matches every error raised by the primitive.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrEmptyOutput is returned by ValidateOutput for missing or silent audio.
	ErrEmptyOutput = errors.New("generated audio is empty or silent")
)

// GenerationError reports the utterance whose generation failed.
type GenerationError struct {
	Index int
	Text  string
	Cause error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("utterance %d (%q): %v", e.Index, preview(e.Text), e.Cause)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailure
}

// ValidateOutput fails with ErrEmptyOutput when samples is empty or its
// peak amplitude is below audio.SilenceFloor.
func ValidateOutput(samples []float32) error {
	if len(samples) == 0 {
		return fmt.Errorf("%w: no samples", ErrEmptyOutput)
	}
	if audio.IsSilent(samples) {
		return fmt.Errorf("%w: peak %.2g", ErrEmptyOutput, audio.Peak(samples))
	}
	return nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= 40 {
		return text
	}
	return string(runes[:40]) + "..."
}
