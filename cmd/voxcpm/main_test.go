package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/bus"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/natsserver"
	"github.com/allssai/voxcpm-kazakh-tts/internal/runtime"
	"github.com/allssai/voxcpm-kazakh-tts/internal/tts"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSingleSynthesis(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "hello.wav")
	code, _, stderr := runCLI(t, "-text", "Сәлем, әлем!", "-output", out)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	info, err := audio.ReadWAVInfo(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if info.SampleRate != 44100 || info.Duration <= 0 {
		t.Fatalf("unexpected wav info %+v", info)
	}
	if !strings.Contains(stderr, "Saved audio to:") {
		t.Fatalf("missing save message: %s", stderr)
	}
}

func TestStreamingSynthesis(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stream.wav")
	code, _, stderr := runCLI(t, "-text", "Бір. Екі.", "-output", out, "-stream", "-remove-silence")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stderr, "chunk 2.1") {
		t.Fatalf("expected chunks for two utterances: %s", stderr)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestBatchSynthesis(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "lines.txt")
	if err := os.WriteFile(input, []byte("Бірінші жол.\n\n  Екінші жол.  \n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	outDir := filepath.Join(dir, "out")
	code, _, stderr := runCLI(t, "-input", input, "-output-dir", outDir)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, name := range []string{"output_001.wav", "output_002.wav"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if !strings.Contains(stderr, "Batch finished: 2/2 succeeded") {
		t.Fatalf("unexpected summary: %s", stderr)
	}
}

func TestDryRunPrintsUtterances(t *testing.T) {
	code, stdout, stderr := runCLI(t, "-text", "Сәлем. Қалайсыз?", "-dry-run")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	want := "1.1\tСәлем.\n1.2\tҚалайсыз?\n"
	if stdout != want {
		t.Fatalf("got %q, want %q", stdout, want)
	}
}

func TestUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"cfg out of range":    {"-text", "a", "-output", "a.wav", "-cfg-value", "12"},
		"steps out of range":  {"-text", "a", "-output", "a.wav", "-inference-timesteps", "0"},
		"text and input":      {"-text", "a", "-input", "in.txt", "-output-dir", "out"},
		"batch without dir":   {"-input", "in.txt"},
		"single without out":  {"-text", "a"},
		"clone without text":  {"-text", "a", "-output", "a.wav", "-prompt-audio", "ref.wav"},
		"voice and reference": {"-text", "a", "-output", "a.wav", "-voice", "v", "-prompt-audio", "ref.wav", "-prompt-text", "t"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if code, _, _ := runCLI(t, args...); code != 2 {
				t.Fatalf("expected exit 2, got %d", code)
			}
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]string{
		"unknown voice":     {"-text", "a", "-output", filepath.Join(dir, "a.wav"), "-voice", "nobody", "-voices-dir", dir},
		"missing reference": {"-text", "Сәлем", "-output", filepath.Join(dir, "b.wav"), "-prompt-audio", filepath.Join(dir, "none.wav"), "-prompt-text", "Сәлем"},
		"empty batch":       {"-input", filepath.Join(dir, "missing.txt"), "-output-dir", dir},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if code, _, _ := runCLI(t, args...); code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
		})
	}
}

func TestSubmitToDaemon(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(server.Shutdown)

	cfg := config.Default()
	cfg.Service.OutputDir = t.TempDir()
	cfg.Bus.Servers = []string{server.ClientURL()}
	client, err := bus.Connect(context.Background(), "voxd-test", cfg.Bus, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	engine, err := runtime.BuildEngine(cfg, logger)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	svc := tts.NewService(context.Background(), cfg, tts.ServiceDeps{Bus: client, Engine: engine}, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	code, stdout, stderr := runCLI(t, "-submit", server.ClientURL(), "-text", "Сәлем!", "-output", "remote.wav")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	want := filepath.Join(cfg.Service.OutputDir, "remote.wav")
	if !strings.Contains(stdout, want) {
		t.Fatalf("stdout %q does not mention %s", stdout, want)
	}
	if _, err := audio.ReadWAVInfo(want); err != nil {
		t.Fatalf("daemon output missing: %v", err)
	}
}
