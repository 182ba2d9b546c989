package tts

import (
	"context"

	"github.com/allssai/voxcpm-kazakh-tts/internal/prompt"
)

// Frame is one step of model output: a waveform chunk, the token that
// produced it and a snapshot of the model's audio feature at that point.
type Frame struct {
	Samples []float32
	Token   int
	Feature prompt.Feature
}

// Chunk is a waveform chunk surfaced to the caller.
type Chunk struct {
	Utterance  int
	Sequence   int
	Text       string
	SampleRate int
	Samples    []float32
}

// RetryConfig controls the primitive's bad-case regeneration.
type RetryConfig struct {
	Enabled        bool
	MaxTimes       int
	RatioThreshold float64
}

// GenerationRequest is a single call to the synthesis primitive. MinLen and
// MaxLen are measured in model tokens.
type GenerationRequest struct {
	Text      string
	Cache     *prompt.Cache
	MinLen    int
	MaxLen    int
	Steps     int
	CFG       float64
	Streaming bool
	Retry     RetryConfig
}

// Primitive is the neural synthesis model. Frames are delivered in order.
// Both channels must be closed once the utterance is complete or has
// failed; callers read until both are closed. At most one error is sent
// and implementations stop sending once ctx is done.
type Primitive interface {
	GenerateWithCache(ctx context.Context, req GenerationRequest) (<-chan Frame, <-chan error)
	SampleRate() int
}

// TextNormalizer rewrites raw input text before segmentation.
type TextNormalizer interface {
	Normalize(text string) string
}

// Denoiser writes an enhanced copy of inputPath to outputPath.
type Denoiser interface {
	Enhance(ctx context.Context, inputPath, outputPath string) error
}

// Request describes one synthesis request.
type Request struct {
	Text string
	// PromptWavPath is the optional reference waveform; PromptText its
	// optional transcript.
	PromptWavPath string
	PromptText    string

	CFG       float64
	Steps     int
	MinLen    int
	MaxLen    int
	Normalize bool
	Denoise   bool
	Streaming bool
	Retry     RetryConfig
}

// Mode describes behaviour derived from a request's flags.
type Mode struct {
	// ChainsPromptCache reports whether each utterance is anchored on the
	// previous utterance's output. Streaming requests never chain: the
	// final feature of an utterance is only known once it has fully
	// streamed, so every utterance after the first uses the model's default
	// voice. Requests with a reference waveform use it for every utterance.
	ChainsPromptCache bool
}

func (r Request) Mode() Mode {
	return Mode{ChainsPromptCache: !r.Streaming && r.PromptWavPath == ""}
}
