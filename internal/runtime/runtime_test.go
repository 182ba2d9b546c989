package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/tts"
	"github.com/allssai/voxcpm-kazakh-tts/internal/voices"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuildEngineMock(t *testing.T) {
	cfg := config.Default()
	cfg.Synth.SampleRate = 16000
	cfg.Normalizer.Enabled = true

	engine, err := BuildEngine(cfg, newLogger())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if engine.SampleRate() != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", engine.SampleRate())
	}
	plan, err := engine.Plan("Сәлем — әлем. Қалайсыз?", true)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 utterances, got %q", plan)
	}
}

func TestBuildEngineErrors(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown mode": func(c *config.Config) { c.Synth.Mode = "remote" },
		"exec without command": func(c *config.Config) {
			c.Synth.Mode = "exec"
			c.Synth.Command = "  "
		},
		"denoiser without command": func(c *config.Config) {
			c.Denoiser.Enabled = true
			c.Denoiser.Command = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			if _, err := BuildEngine(cfg, newLogger()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEngineOptions(t *testing.T) {
	opts := EngineOptions(config.GenerationConfig{
		CFGValue:                   3.5,
		InferenceTimesteps:         25,
		MinLen:                     4,
		MaxLen:                     512,
		RetryBadcase:               true,
		RetryBadcaseMaxTimes:       2,
		RetryBadcaseRatioThreshold: 5,
	})
	if opts.CFG != 3.5 || opts.Steps != 25 || opts.MinLen != 4 || opts.MaxLen != 512 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if !opts.Retry.Enabled || opts.Retry.MaxTimes != 2 || opts.Retry.RatioThreshold != 5 {
		t.Fatalf("unexpected retry %+v", opts.Retry)
	}

	zero := EngineOptions(config.GenerationConfig{})
	if zero.CFG != 2.0 || zero.Steps != 10 || zero.MaxLen != 4096 {
		t.Fatalf("zero values should keep defaults: %+v", zero)
	}
}

func TestLocalCapabilities(t *testing.T) {
	cfg := config.Default()
	cfg.Denoiser.Enabled = true
	caps := localCapabilities(cfg, []string{"aigerim", "nurlan"})
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %+v", caps)
	}
	synth := caps[0]
	if synth.Name != "tts" || synth.Attributes["mode"] != "mock" || synth.Attributes["sample_rate"] != "44100" || synth.Attributes["denoise"] != "true" {
		t.Fatalf("unexpected tts capability %+v", synth)
	}
	if caps[2].Name != "voice" || caps[2].Attributes["name"] != "nurlan" {
		t.Fatalf("unexpected voice capability %+v", caps[2])
	}
}

func TestHealthAndReadiness(t *testing.T) {
	r := New(config.Default(), newLogger())
	srv := httptest.NewServer(r.routes())
	t.Cleanup(srv.Close)

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/healthz"); code != http.StatusOK {
		t.Fatalf("healthz returned %d", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start returned %d", code)
	}
	r.ready.Store(true)
	if code := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz after start returned %d", code)
	}
	if code := get("/voices"); code != http.StatusServiceUnavailable {
		t.Fatalf("voices without a library returned %d", code)
	}
}

func TestVoicesEndpoint(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.wav")
	samples := make([]float32, 2*16000)
	for i := range samples {
		samples[i] = 0.2
		if i%32 < 16 {
			samples[i] = -0.2
		}
	}
	if err := audio.WriteWAV(clip, samples, 16000); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	lib := voices.NewLibrary(filepath.Join(dir, "voices"), newLogger())
	if _, err := lib.Create("aigerim", clip, "Сәлеметсіз бе менің атым Айгерім"); err != nil {
		t.Fatalf("create voice: %v", err)
	}

	r := New(config.Default(), newLogger())
	r.voices = lib
	srv := httptest.NewServer(r.routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/voices")
	if err != nil {
		t.Fatalf("get voices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var got []voiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "aigerim" || got[0].WordCount != 5 || got[0].Score != 100 {
		t.Fatalf("unexpected voices %+v", got)
	}

	post, err := http.Post(srv.URL+"/voices", "application/json", nil)
	if err != nil {
		t.Fatalf("post voices: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}
}

func TestComponentsStartAndStop(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "jobs.db")
	cfg.Voices.Directory = filepath.Join(dir, "voices")
	cfg.Service.OutputDir = filepath.Join(dir, "out")
	cfg.Node.HeartbeatIntervalMS = 50
	cfg.Node.HeartbeatTimeoutMS = 500

	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		t.Fatalf("start components: %v", err)
	}
	r.ready.Store(true)
	if !r.isReady() {
		t.Fatal("runtime should be ready once components are up")
	}
	if !r.registry.Healthy() {
		t.Fatal("registry should see its own announcement")
	}
	cancel()
	r.stopComponents()
	if r.bus.Healthy() {
		t.Fatal("bus should be closed after stop")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}

	engine, err := BuildEngine(cfg, newLogger())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if _, err := engine.Generate(context.Background(), tts.Request{Text: "Сәлем."}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voxd_vox_tts_utterances") {
		t.Fatalf("utterance counter missing from metrics output")
	}
}
