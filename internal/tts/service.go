package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/bus"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/eventstore"
	"github.com/allssai/voxcpm-kazakh-tts/internal/protocol"
	"github.com/allssai/voxcpm-kazakh-tts/internal/voices"
)

// ServiceDeps are the runtime pieces a Service needs. Store and Voices are
// optional.
type ServiceDeps struct {
	Bus    *bus.Client
	Engine *Engine
	Store  *eventstore.Store
	Voices *voices.Library
}

// Service turns tts.request messages into WAV files. Each job runs in its
// own goroutine; the engine serialises the actual synthesis.
type Service struct {
	cfg     config.ServiceConfig
	gen     config.GenerationConfig
	silence config.SilenceConfig
	deps    ServiceDeps
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(parent context.Context, cfg config.Config, deps ServiceDeps, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg.Service,
		gen:     cfg.Generation,
		silence: cfg.Silence,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
		now:     time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.deps.Bus == nil || s.deps.Engine == nil {
		return errors.New("tts service requires a bus client and an engine")
	}
	sub, err := s.deps.Bus.QueueSubscribe(protocol.SubjectTTSRequest, protocol.QueueTTSWorkers, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("tts service listening",
		slog.String("subject", protocol.SubjectTTSRequest),
		slog.String("queue", protocol.QueueTTSWorkers))
	return nil
}

// Close stops accepting jobs, cancels the running ones and waits for them
// to finish. Requests still being drained are answered with an error.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// handleRequest runs a job in the background. Requests sent with a reply
// subject are answered with the final status.
func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		s.reply(msg, protocol.TTSStatus{Error: fmt.Sprintf("invalid request: %v", err), Timestamp: s.now().UTC()})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.TTSStatus{JobID: req.JobID, Error: "tts service is shutting down", Timestamp: s.now().UTC()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.reply(msg, s.Run(s.ctx, req))
	}()
}

func (s *Service) reply(msg *nats.Msg, status protocol.TTSStatus) {
	if err := s.deps.Bus.RespondJSON(msg, status); err != nil {
		s.logger.Warn("failed to answer tts request", slog.String("job_id", status.JobID), slogError(err))
	}
}

// Run executes one job to completion and publishes its final status. A
// failing job is reported and logged, never propagated.
func (s *Service) Run(parent context.Context, req protocol.TTSRequest) protocol.TTSStatus {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	log := s.logger.With(slog.String("job_id", req.JobID))
	ctx, cancel := context.WithTimeout(parent, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	s.journalJob(ctx, req)
	status, err := s.process(ctx, req, log)
	if err != nil {
		status = protocol.TTSStatus{JobID: req.JobID, Error: err.Error()}
		log.Warn("tts job failed", slogError(err))
	} else {
		log.Info("tts job completed",
			slog.String("output", status.OutputPath),
			slog.Float64("duration_seconds", status.Duration))
	}
	status.Timestamp = s.now().UTC()
	s.publish(protocol.SubjectTTSDone, status, log)
	s.journalStatus(ctx, status, log)
	return status
}

func (s *Service) process(ctx context.Context, req protocol.TTSRequest, log *slog.Logger) (protocol.TTSStatus, error) {
	engineReq, err := s.buildRequest(req)
	if err != nil {
		return protocol.TTSStatus{}, err
	}

	var (
		utterances int
		pending    *protocol.TTSProgress
	)
	flush := func() {
		if pending == nil {
			return
		}
		pending.Timestamp = s.now().UTC()
		s.publish(protocol.SubjectTTSProgress, *pending, log)
		s.journalEvent(ctx, req.JobID, "progress", *pending, log)
		pending = nil
	}
	samples, err := s.deps.Engine.GenerateObserved(ctx, engineReq, func(c Chunk) {
		if pending != nil && pending.Utterance != c.Utterance {
			flush()
		}
		if pending == nil {
			pending = &protocol.TTSProgress{JobID: req.JobID, Utterance: c.Utterance, Text: c.Text}
			utterances++
		}
		pending.Samples += len(c.Samples)
		pending.DurationMS = int64(audio.Duration(pending.Samples, c.SampleRate) * 1000)
	})
	if err != nil {
		return protocol.TTSStatus{}, err
	}
	flush()

	sampleRate := s.deps.Engine.SampleRate()
	var compactor *audio.Compactor
	if boolOr(req.RemoveSilence, s.silence.Enabled) {
		c := CompactorFromConfig(s.silence)
		compactor = &c
	}
	finished, err := Finish(samples, sampleRate, compactor)
	if err != nil {
		return protocol.TTSStatus{}, err
	}
	if finished.Removed > 0 {
		log.Info("compacted silence", slog.Float64("removed_seconds", audio.Duration(finished.Removed, sampleRate)))
	}
	if finished.Gained {
		log.Warn("output amplitude too low, applied gain", slog.Float64("gain", audio.QuietGain))
	}

	path := s.outputPath(req)
	if err := audio.WriteWAV(path, finished.Samples, sampleRate); err != nil {
		return protocol.TTSStatus{}, err
	}
	s.pruneOutputs(path, log)
	return protocol.TTSStatus{
		JobID:      req.JobID,
		Completed:  true,
		OutputPath: path,
		Duration:   audio.Duration(len(finished.Samples), sampleRate),
		SampleRate: sampleRate,
		Utterances: utterances,
	}, nil
}

func (s *Service) buildRequest(req protocol.TTSRequest) (Request, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Request{}, ErrInvalidInput
	}
	cfgValue := req.CFGValue
	if cfgValue == 0 {
		cfgValue = s.gen.CFGValue
	}
	steps := req.InferenceTimesteps
	if steps == 0 {
		steps = s.gen.InferenceTimesteps
	}
	if err := config.ValidateGeneration(cfgValue, steps); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	promptWav, err := s.referencePath(req.PromptWavPath)
	if err != nil {
		return Request{}, err
	}
	out := Request{
		Text:          req.Text,
		PromptWavPath: promptWav,
		PromptText:    req.PromptText,
		CFG:           cfgValue,
		Steps:         steps,
		MinLen:        s.gen.MinLen,
		MaxLen:        s.gen.MaxLen,
		Normalize:     boolOr(req.Normalize, s.gen.Normalize),
		Denoise:       boolOr(req.Denoise, s.gen.Denoise),
		Retry: RetryConfig{
			Enabled:        s.gen.RetryBadcase,
			MaxTimes:       s.gen.RetryBadcaseMaxTimes,
			RatioThreshold: s.gen.RetryBadcaseRatioThreshold,
		},
	}
	if out.PromptWavPath == "" && req.Voice != "" {
		if s.deps.Voices == nil {
			return Request{}, fmt.Errorf("voice %q requested but no voice library is configured", req.Voice)
		}
		voice, err := s.deps.Voices.Lookup(req.Voice)
		if err != nil {
			return Request{}, err
		}
		out.PromptWavPath = voice.AudioPath
		if out.PromptText == "" {
			out.PromptText = voice.RefText
		}
	}
	return out, nil
}

// referencePath confines request-supplied reference audio to the voice
// library and the configured reference directory. Relative paths are taken
// from the reference directory.
func (s *Service) referencePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	var roots []string
	if s.cfg.ReferenceDir != "" {
		roots = append(roots, s.cfg.ReferenceDir)
	}
	if s.deps.Voices != nil {
		roots = append(roots, s.deps.Voices.Dir())
	}
	if !filepath.IsAbs(path) {
		if s.cfg.ReferenceDir == "" {
			return "", fmt.Errorf("%w: relative reference audio %q needs service.reference_dir", ErrInvalidInput, path)
		}
		path = filepath.Join(s.cfg.ReferenceDir, path)
	}
	resolved := resolvePath(path)
	for _, root := range roots {
		rel, err := filepath.Rel(resolvePath(root), resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return resolved, nil
	}
	return "", fmt.Errorf("%w: reference audio %q is outside the allowed directories", ErrInvalidInput, path)
}

// resolvePath returns an absolute, symlink-free form of path. A missing
// final element keeps its name under the resolved parent.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if target, err := filepath.EvalSymlinks(abs); err == nil {
		return target
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// pruneOutputs keeps the newest OutputKeep WAV files in the output
// directory. The file just written is never removed.
func (s *Service) pruneOutputs(current string, log *slog.Logger) {
	if s.cfg.OutputKeep <= 0 {
		return
	}
	entries, err := os.ReadDir(s.cfg.OutputDir)
	if err != nil {
		log.Warn("failed to list outputs", slogError(err))
		return
	}
	type output struct {
		path    string
		modTime time.Time
	}
	var others []output
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		path := filepath.Join(s.cfg.OutputDir, e.Name())
		if path == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		others = append(others, output{path: path, modTime: info.ModTime()})
	}
	keep := s.cfg.OutputKeep - 1
	if len(others) <= keep {
		return
	}
	sort.Slice(others, func(i, j int) bool {
		if !others[i].modTime.Equal(others[j].modTime) {
			return others[i].modTime.After(others[j].modTime)
		}
		return others[i].path > others[j].path
	})
	for _, old := range others[keep:] {
		if err := os.Remove(old.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove old output", slog.String("path", old.path), slogError(err))
			continue
		}
		log.Debug("removed old output", slog.String("path", old.path))
	}
}

func (s *Service) outputPath(req protocol.TTSRequest) string {
	name := filepath.Base(strings.TrimSpace(req.OutputName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = req.JobID
	}
	if !strings.EqualFold(filepath.Ext(name), ".wav") {
		name += ".wav"
	}
	return filepath.Join(s.cfg.OutputDir, name)
}

func (s *Service) publish(subject string, v any, log *slog.Logger) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.PublishJSON(subject, v); err != nil {
		log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) journalJob(ctx context.Context, req protocol.TTSRequest) {
	if s.deps.Store == nil {
		return
	}
	job := eventstore.Job{ID: req.JobID, Text: req.Text, Voice: req.Voice, Status: eventstore.StatusRunning}
	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		s.logger.Warn("failed to journal job", slog.String("job_id", req.JobID), slogError(err))
	}
}

func (s *Service) journalStatus(ctx context.Context, status protocol.TTSStatus, log *slog.Logger) {
	if s.deps.Store == nil {
		return
	}
	// The request context may have expired; the outcome is still recorded.
	ctx = context.WithoutCancel(ctx)
	state, eventType := eventstore.StatusSucceeded, "done"
	if !status.Completed {
		state, eventType = eventstore.StatusFailed, "failed"
	}
	if err := s.deps.Store.UpdateJob(ctx, status.JobID, state, status.OutputPath, status.Error); err != nil {
		log.Warn("failed to update job", slogError(err))
	}
	s.journalEvent(ctx, status.JobID, eventType, status, log)
}

func (s *Service) journalEvent(ctx context.Context, jobID, eventType string, payload any, log *slog.Logger) {
	if s.deps.Store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("failed to encode job event", slogError(err))
		return
	}
	if err := s.deps.Store.AppendEvent(ctx, eventstore.Event{JobID: jobID, Type: eventType, Payload: data}); err != nil {
		log.Warn("failed to journal job event", slogError(err))
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
