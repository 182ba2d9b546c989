package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/prompt"
	"github.com/allssai/voxcpm-kazakh-tts/internal/segment"
)

const instrumentationName = "github.com/allssai/voxcpm-kazakh-tts/tts"

const (
	cachedLengthCap     = 200
	cachedLengthPerRune = 4
	plainLengthCap      = 150
	plainLengthPerRune  = 3
	lengthSlack         = 25
)

// Options holds generation defaults applied to requests that leave a field
// at its zero value.
type Options struct {
	CFG    float64
	Steps  int
	MinLen int
	MaxLen int
	// Retry is the configured bad-case retry policy. Primitive calls made
	// by the engine always run with retries off; see retryForCall.
	Retry RetryConfig
	// TempDir holds denoised reference files. Empty means os.TempDir().
	TempDir string
}

func DefaultOptions() Options {
	return Options{
		CFG:    2.0,
		Steps:  10,
		MinLen: 2,
		MaxLen: 4096,
		Retry:  RetryConfig{Enabled: false, MaxTimes: 3, RatioThreshold: 6.0},
	}
}

// Collaborators are the external pieces the engine drives. Normalizer and
// Denoiser are optional.
type Collaborators struct {
	Primitive  Primitive
	Builder    prompt.Builder
	Normalizer TextNormalizer
	Denoiser   Denoiser
}

// Engine turns one synthesis request into an ordered stream of waveform
// chunks. Requests are served one at a time.
type Engine struct {
	primitive  Primitive
	prompts    *prompt.Manager
	normalizer TextNormalizer
	denoiser   Denoiser
	opts       Options
	log        *slog.Logger

	tracer     trace.Tracer
	utterances metric.Int64Counter
	chunks     metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram

	mu sync.Mutex
}

func NewEngine(c Collaborators, opts Options, log *slog.Logger) (*Engine, error) {
	if c.Primitive == nil {
		return nil, errors.New("synthesis primitive is required")
	}
	if c.Builder == nil {
		return nil, errors.New("prompt cache builder is required")
	}
	e := &Engine{
		primitive:  c.Primitive,
		prompts:    prompt.NewManager(c.Builder, log),
		normalizer: c.Normalizer,
		denoiser:   c.Denoiser,
		opts:       opts,
		log:        log.With(slog.String("component", "tts-engine")),
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e, nil
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if e.utterances, err = meter.Int64Counter("vox.tts.utterances", metric.WithDescription("Utterances synthesized")); err != nil {
		return err
	}
	if e.chunks, err = meter.Int64Counter("vox.tts.chunks", metric.WithDescription("Waveform chunks emitted")); err != nil {
		return err
	}
	if e.failures, err = meter.Int64Counter("vox.tts.failures", metric.WithDescription("Failed utterance generations")); err != nil {
		return err
	}
	e.latency, err = meter.Float64Histogram("vox.tts.utterance.duration",
		metric.WithDescription("Wall time spent generating one utterance"),
		metric.WithUnit("s"))
	return err
}

// SampleRate is the rate of every emitted chunk.
func (e *Engine) SampleRate() int { return e.primitive.SampleRate() }

// Generate runs a non-streaming request and returns the concatenated
// waveform of every utterance.
func (e *Engine) Generate(ctx context.Context, req Request) ([]float32, error) {
	return e.GenerateObserved(ctx, req, nil)
}

// GenerateObserved is Generate with observe called for every chunk as it is
// collected. observe may be nil.
func (e *Engine) GenerateObserved(ctx context.Context, req Request, observe func(Chunk)) ([]float32, error) {
	req.Streaming = false
	var parts [][]float32
	err := e.run(ctx, req, func(c Chunk) error {
		parts = append(parts, c.Samples)
		if observe != nil {
			observe(c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audio.Concat(parts), nil
}

// GenerateStreaming runs a streaming request, handing every chunk to emit as
// soon as the primitive produces it. An error from emit stops the request
// and is returned unchanged.
func (e *Engine) GenerateStreaming(ctx context.Context, req Request, emit func(Chunk) error) error {
	req.Streaming = true
	return e.run(ctx, req, emit)
}

// Plan returns the utterances a request for text would be split into.
func (e *Engine) Plan(text string, normalize bool) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidInput
	}
	return e.prepare(text, normalize)
}

// LengthBudget returns the token range for an utterance of n runes. With an
// active prompt cache the budget is min(4n+25, 200), otherwise
// min(3n+25, 150). A positive maxLen lowers the upper bound further and
// minLen is clamped so that lo <= hi.
func LengthBudget(n int, cached bool, minLen, maxLen int) (lo, hi int) {
	capLen, perRune := plainLengthCap, plainLengthPerRune
	if cached {
		capLen, perRune = cachedLengthCap, cachedLengthPerRune
	}
	hi = min(perRune*n+lengthSlack, capLen)
	if maxLen > 0 && maxLen < hi {
		hi = maxLen
	}
	lo = min(max(minLen, 0), hi)
	return lo, hi
}

func (e *Engine) run(ctx context.Context, req Request, emit func(Chunk) error) (err error) {
	if strings.TrimSpace(req.Text) == "" {
		return ErrInvalidInput
	}
	if req.PromptWavPath != "" {
		if err := prompt.CheckReference(req.PromptWavPath); err != nil {
			return err
		}
	}
	req = e.withDefaults(req)

	e.mu.Lock()
	defer e.mu.Unlock()

	mode := req.Mode()
	ctx, span := e.tracer.Start(ctx, "tts.request", trace.WithAttributes(
		attribute.Bool("tts.streaming", req.Streaming),
		attribute.Bool("tts.reference", req.PromptWavPath != ""),
		attribute.Bool("tts.chains_prompt_cache", mode.ChainsPromptCache),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	wavPath := req.PromptWavPath
	if wavPath != "" && req.Denoise {
		cleaned, cleanup, err := e.denoise(ctx, wavPath)
		if err != nil {
			return err
		}
		defer cleanup()
		wavPath = cleaned
	}

	var cache *prompt.Cache
	if wavPath != "" {
		if cache, err = e.prompts.BuildExternal(ctx, wavPath, req.PromptText, req.Text); err != nil {
			return err
		}
	}

	utterances, err := e.prepare(req.Text, req.Normalize)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("tts.utterances", len(utterances)))
	e.log.Info("synthesis started",
		slog.Int("utterances", len(utterances)),
		slog.String("strategy", string(segment.Strategy(strings.Join(utterances, " ")))),
		slog.Bool("streaming", req.Streaming),
		slog.Bool("chains_prompt_cache", mode.ChainsPromptCache))

	for i, text := range utterances {
		if err := ctx.Err(); err != nil {
			return err
		}
		last, err := e.generateUtterance(ctx, i, text, cache, req, emit)
		if err != nil {
			return err
		}
		cache = prompt.Next(cache, mode.ChainsPromptCache, text, last)
	}
	return nil
}

func (e *Engine) prepare(text string, normalize bool) ([]string, error) {
	if normalize && e.normalizer != nil {
		text = e.normalizer.Normalize(text)
	}
	text = segment.Normalize(text)
	if text == "" {
		return nil, ErrInvalidInput
	}
	return segment.Split(text), nil
}

func (e *Engine) withDefaults(req Request) Request {
	if req.CFG == 0 {
		req.CFG = e.opts.CFG
	}
	if req.Steps == 0 {
		req.Steps = e.opts.Steps
	}
	if req.MinLen == 0 {
		req.MinLen = e.opts.MinLen
	}
	if req.MaxLen == 0 {
		req.MaxLen = e.opts.MaxLen
	}
	return req
}

// denoise writes an enhanced copy of wavPath into a temporary file. The
// returned cleanup removes it and must run on every exit path.
func (e *Engine) denoise(ctx context.Context, wavPath string) (string, func(), error) {
	if e.denoiser == nil {
		e.log.Warn("denoise requested but no denoiser configured")
		return wavPath, func() {}, nil
	}
	tmp, err := os.CreateTemp(e.opts.TempDir, "vox_denoise_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("denoise temp file: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	cleanup := func() {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			e.log.Warn("failed to remove denoised reference", slog.String("path", name), slogError(err))
		}
	}
	if err := e.denoiser.Enhance(ctx, wavPath, name); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("denoise reference: %w", err)
	}
	return name, cleanup, nil
}

// retryForCall is the retry setting passed to the primitive. Bad-case
// retries stay off on this path whatever the configured policy says;
// callers that want retries rerun whole requests.
func retryForCall(configured RetryConfig) RetryConfig {
	return RetryConfig{Enabled: false, MaxTimes: 1, RatioThreshold: configured.RatioThreshold}
}

func (e *Engine) generateUtterance(ctx context.Context, index int, text string, cache *prompt.Cache, req Request, emit func(Chunk) error) (prompt.Feature, error) {
	n := utf8.RuneCountInString(text)
	lo, hi := LengthBudget(n, cache != nil, req.MinLen, req.MaxLen)
	origin := "none"
	if cache != nil {
		origin = cache.Origin.String()
	}

	ctx, span := e.tracer.Start(ctx, "tts.utterance", trace.WithAttributes(
		attribute.Int("utterance.index", index),
		attribute.Int("utterance.runes", n),
		attribute.String("prompt.origin", origin),
		attribute.Int("generation.max_len", hi),
	))
	defer span.End()
	started := time.Now()

	e.log.Debug("generating utterance",
		slog.Int("index", index),
		slog.Int("runes", n),
		slog.String("prompt", origin),
		slog.Int("min_len", lo),
		slog.Int("max_len", hi))

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames, errs := e.primitive.GenerateWithCache(genCtx, GenerationRequest{
		Text:      text,
		Cache:     cache,
		MinLen:    lo,
		MaxLen:    hi,
		Steps:     req.Steps,
		CFG:       req.CFG,
		Streaming: req.Streaming,
		Retry:     retryForCall(req.Retry),
	})

	var (
		last     prompt.Feature
		sequence int
	)
	for frames != nil || errs != nil {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			last = frame.Feature
			chunk := Chunk{
				Utterance:  index,
				Sequence:   sequence,
				Text:       text,
				SampleRate: e.primitive.SampleRate(),
				Samples:    frame.Samples,
			}
			sequence++
			e.add(ctx, e.chunks, 1)
			if err := emit(chunk); err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.add(ctx, e.failures, 1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.log.Warn("utterance generation failed", slog.Int("index", index), slogError(err))
			return nil, &GenerationError{Index: index, Text: text, Cause: err}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.add(ctx, e.utterances, 1)
	if e.latency != nil {
		e.latency.Record(ctx, time.Since(started).Seconds())
	}
	span.SetAttributes(attribute.Int("utterance.chunks", sequence))
	return last, nil
}

func (e *Engine) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
