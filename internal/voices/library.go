// Package voices manages the on-disk library of reference voices used for
// cloning. Each voice lives in its own directory holding ref.wav and
// meta.json.
package voices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
)

const (
	audioFile  = "ref.wav"
	backupFile = "ref.wav.backup"
	metaFile   = "meta.json"

	// WordsPerSecond is the speaking rate used to estimate how many words a
	// reference clip can hold.
	WordsPerSecond = 2.5
)

var (
	ErrNotFound    = errors.New("voice not found")
	ErrExists      = errors.New("voice already exists")
	ErrInvalidName = errors.New("invalid voice name")
	ErrNoRefText   = errors.New("reference text is required")
	ErrBadAudio    = errors.New("invalid reference audio")
)

// Meta is the content of meta.json.
type Meta struct {
	Name            string `json:"name"`
	RefText         string `json:"ref_text"`
	BackupRefText   string `json:"_backup_ref_text,omitempty"`
	ManuallyAligned bool   `json:"_manually_aligned,omitempty"`
	CreatedVia      string `json:"_created_via,omitempty"`
}

// Voice is a resolved preset.
type Voice struct {
	Name      string
	Dir       string
	AudioPath string
	RefText   string
}

// Status reports how well a voice's reference text matches its audio.
type Status struct {
	Voice      string
	AudioPath  string
	RefText    string
	Duration   float64
	SampleRate int
	Channels   int
	WordCount  int
	Capacity   float64
	Ratio      float64
	Score      int
	Label      string
}

// Library is rooted at a directory of voice presets.
type Library struct {
	dir string
	log *slog.Logger
}

func NewLibrary(dir string, log *slog.Logger) *Library {
	return &Library{dir: dir, log: log.With(slog.String("component", "voices"))}
}

// Dir returns the library root.
func (l *Library) Dir() string { return l.dir }

// List returns the names of every directory that holds a ref.wav, sorted.
// A missing library directory yields an empty list.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read voices dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.dir, e.Name(), audioFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Lookup resolves a voice by name. A voice without meta.json has an empty
// reference text and is used for audio-only cloning.
func (l *Library) Lookup(name string) (Voice, error) {
	dir, err := l.voiceDir(name)
	if err != nil {
		return Voice{}, err
	}
	wav := filepath.Join(dir, audioFile)
	if _, err := os.Stat(wav); err != nil {
		return Voice{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	meta, err := readMeta(dir)
	if err != nil {
		l.log.Warn("unreadable voice metadata", slog.String("voice", name), slog.String("error", err.Error()))
	}
	return Voice{Name: name, Dir: dir, AudioPath: wav, RefText: meta.RefText}, nil
}

// Create adds a voice from an existing WAV file. The directory is removed
// again if any step fails.
func (l *Library) Create(name, wavPath, refText string) (voice Voice, err error) {
	name = strings.TrimSpace(name)
	refText = strings.TrimSpace(refText)
	if refText == "" {
		return Voice{}, ErrNoRefText
	}
	dir, err := l.voiceDir(name)
	if err != nil {
		return Voice{}, err
	}
	if _, err := os.Stat(dir); err == nil {
		return Voice{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if _, err := audio.ReadWAVInfo(wavPath); err != nil {
		return Voice{}, fmt.Errorf("%w: %v", ErrBadAudio, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Voice{}, fmt.Errorf("create voice dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	dst := filepath.Join(dir, audioFile)
	if err = copyFile(wavPath, dst); err != nil {
		return Voice{}, err
	}
	if err = writeMeta(dir, Meta{Name: name, RefText: refText, CreatedVia: "voxcpm"}); err != nil {
		return Voice{}, err
	}
	l.log.Info("voice created", slog.String("voice", name))
	return Voice{Name: name, Dir: dir, AudioPath: dst, RefText: refText}, nil
}

// UpdateRefText replaces the reference text. The previous text is kept as
// a backup and the voice is marked as manually aligned.
func (l *Library) UpdateRefText(name, refText string) error {
	refText = strings.TrimSpace(refText)
	if refText == "" {
		return ErrNoRefText
	}
	dir, err := l.existingDir(name)
	if err != nil {
		return err
	}
	meta, err := readMeta(dir)
	if err != nil {
		return err
	}
	if meta.Name == "" {
		meta.Name = name
	}
	if meta.RefText != "" {
		meta.BackupRefText = meta.RefText
	}
	meta.RefText = refText
	meta.ManuallyAligned = true
	return writeMeta(dir, meta)
}

// UpdateAudio replaces ref.wav with a new recording. The old file is kept
// as ref.wav.backup and restored if the new one cannot be installed.
func (l *Library) UpdateAudio(name, wavPath string) (err error) {
	dir, err := l.existingDir(name)
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, audioFile)
	backup := filepath.Join(dir, backupFile)
	if _, statErr := os.Stat(dst); statErr == nil {
		if err := copyFile(dst, backup); err != nil {
			return fmt.Errorf("backup reference audio: %w", err)
		}
	}
	defer func() {
		if err == nil {
			return
		}
		if _, statErr := os.Stat(backup); statErr == nil {
			if restoreErr := copyFile(backup, dst); restoreErr != nil {
				l.log.Error("restore reference audio failed", slog.String("voice", name), slog.String("error", restoreErr.Error()))
			}
		}
	}()

	if err = copyFile(wavPath, dst); err != nil {
		return err
	}
	if _, err = audio.ReadWAVInfo(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAudio, err)
	}
	l.log.Info("voice audio updated", slog.String("voice", name))
	return nil
}

// Delete removes a voice and everything in its directory.
func (l *Library) Delete(name string) error {
	dir, err := l.existingDir(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete voice: %w", err)
	}
	l.log.Info("voice deleted", slog.String("voice", name))
	return nil
}

// Status measures the alignment of one voice.
func (l *Library) Status(name string) (Status, error) {
	v, err := l.Lookup(name)
	if err != nil {
		return Status{}, err
	}
	info, err := audio.ReadWAVInfo(v.AudioPath)
	if err != nil {
		return Status{}, fmt.Errorf("voice %s: %w", name, err)
	}
	st := Alignment(v.RefText, info.Duration.Seconds())
	st.Voice = name
	st.AudioPath = v.AudioPath
	st.RefText = v.RefText
	st.SampleRate = info.SampleRate
	st.Channels = info.Channels
	return st, nil
}

// Statuses measures every voice, worst score first, then by name. Voices
// whose audio cannot be read are skipped.
func (l *Library) Statuses() ([]Status, error) {
	names, err := l.List()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(names))
	for _, name := range names {
		st, err := l.Status(name)
		if err != nil {
			l.log.Warn("skipping voice", slog.String("voice", name), slog.String("error", err.Error()))
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Voice < out[j].Voice
	})
	return out, nil
}

// Alignment scores how plausible it is that refText is what was said in a
// clip of the given duration, comparing the word count with the expected
// capacity at WordsPerSecond.
func Alignment(refText string, durationSec float64) Status {
	words := len(strings.Fields(refText))
	capacity := durationSec * WordsPerSecond
	ratio := 0.0
	if capacity > 0 {
		ratio = float64(words) / capacity
	}
	st := Status{Duration: durationSec, WordCount: words, Capacity: capacity, Ratio: ratio}
	switch {
	case strings.TrimSpace(refText) == "":
		st.Score, st.Label = 0, "empty text"
	case ratio > 1.3:
		st.Score, st.Label = 30, "text too long"
	case ratio < 0.4:
		st.Score, st.Label = 60, "text too short"
	case ratio > 1.1:
		st.Score, st.Label = 80, "text slightly long"
	case ratio < 0.6:
		st.Score, st.Label = 80, "text slightly short"
	default:
		st.Score, st.Label = 100, "aligned"
	}
	return st
}

func (l *Library) voiceDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.dir, name), nil
}

func (l *Library) existingDir(name string) (string, error) {
	dir, err := l.voiceDir(name)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return dir, nil
}

func readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse meta: %w", err)
	}
	return meta, nil
}

func writeMeta(dir string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
