package prompt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type recordingBuilder struct {
	calls []BuildRequest
	err   error
}

func (b *recordingBuilder) Build(_ context.Context, req BuildRequest) (Feature, error) {
	b.calls = append(b.calls, req)
	if b.err != nil {
		return nil, b.err
	}
	return Feature("feat:" + req.Text), nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRef(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write ref: %v", err)
	}
	return path
}

func TestBuildExternalMissingFile(t *testing.T) {
	b := &recordingBuilder{}
	m := NewManager(b, newLogger())
	_, err := m.BuildExternal(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), "hello", "world")
	if !errors.Is(err, ErrMissingFile) {
		t.Fatalf("expected ErrMissingFile, got %v", err)
	}
	if len(b.calls) != 0 {
		t.Fatalf("builder must not be called for a missing file")
	}
}

func TestBuildExternalCrossLanguage(t *testing.T) {
	b := &recordingBuilder{}
	m := NewManager(b, newLogger())
	wav := writeRef(t)

	cache, err := m.BuildExternal(context.Background(), wav, "  Сәлем, қалайсыз?  ", "Hello, how are you?")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := BuildRequest{WavPath: wav, Text: "Сәлем, қалайсыз?", UseText: true, CrossLanguage: true}
	if len(b.calls) != 1 || b.calls[0] != want {
		t.Fatalf("builder calls = %+v, want %+v", b.calls, want)
	}
	if !cache.CrossLanguage || !cache.UseText || cache.Origin != OriginExternal {
		t.Fatalf("unexpected cache: %+v", cache)
	}
	if string(cache.Feature) != "feat:Сәлем, қалайсыз?" {
		t.Fatalf("unexpected feature %q", cache.Feature)
	}
}

func TestBuildExternalSameLanguage(t *testing.T) {
	b := &recordingBuilder{}
	m := NewManager(b, newLogger())
	cache, err := m.BuildExternal(context.Background(), writeRef(t), "Good morning", "Hello world.")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cache.CrossLanguage {
		t.Fatal("latin reference and latin target must not be cross-language")
	}
}

func TestBuildExternalAudioOnly(t *testing.T) {
	b := &recordingBuilder{}
	m := NewManager(b, newLogger())
	wav := writeRef(t)

	cache, err := m.BuildExternal(context.Background(), wav, "   ", "Сәлем")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := BuildRequest{WavPath: wav}
	if len(b.calls) != 1 || b.calls[0] != want {
		t.Fatalf("builder calls = %+v, want %+v", b.calls, want)
	}
	if cache.UseText || cache.CrossLanguage || cache.Text != "" {
		t.Fatalf("audio-only cache should carry no text: %+v", cache)
	}
}

func TestBuildExternalBuilderError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(&recordingBuilder{err: boom}, newLogger())
	if _, err := m.BuildExternal(context.Background(), writeRef(t), "hi", "hi"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped builder error, got %v", err)
	}
}

func TestNext(t *testing.T) {
	external := &Cache{Text: "ref", Feature: Feature("ref"), Origin: OriginExternal}
	chained := Chain("previous", Feature("f0"))

	if got := Next(external, true, "utt", Feature("f1")); got != external {
		t.Fatal("external cache must never be replaced")
	}
	if got := Next(nil, false, "utt", Feature("f1")); got != nil {
		t.Fatal("disabled chaining must keep a nil cache")
	}
	if got := Next(chained, true, "utt", nil); got != chained {
		t.Fatal("missing feature must keep the current cache")
	}

	got := Next(nil, true, "utt", Feature("f1"))
	if got == nil || got.Text != "utt" || string(got.Feature) != "f1" || got.Origin != OriginChained {
		t.Fatalf("unexpected chained cache: %+v", got)
	}
	next := Next(got, true, "utt2", Feature("f2"))
	if next == got || got.Text != "utt" {
		t.Fatal("chaining must produce a new value and leave the previous one untouched")
	}
}
