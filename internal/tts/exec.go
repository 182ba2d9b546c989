package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/prompt"
)

const (
	opGenerate         = "generate"
	opBuildPromptCache = "build_prompt_cache"
)

// ExecPrimitive runs the model as a subprocess per call. The request is a
// single JSON object on stdin; replies are JSON lines on stdout.
type ExecPrimitive struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execPrompt struct {
	Text          string         `json:"text"`
	Feature       prompt.Feature `json:"feature"`
	CrossLanguage bool           `json:"cross_language"`
	UseText       bool           `json:"use_text"`
}

type execRequest struct {
	Op         string `json:"op"`
	SampleRate int    `json:"sample_rate"`

	Text                       string      `json:"text,omitempty"`
	Prompt                     *execPrompt `json:"prompt_cache,omitempty"`
	MinLen                     int         `json:"min_len,omitempty"`
	MaxLen                     int         `json:"max_len,omitempty"`
	InferenceTimesteps         int         `json:"inference_timesteps,omitempty"`
	CFGValue                   float64     `json:"cfg_value,omitempty"`
	Streaming                  bool        `json:"streaming,omitempty"`
	RetryBadcase               bool        `json:"retry_badcase"`
	RetryBadcaseMaxTimes       int         `json:"retry_badcase_max_times,omitempty"`
	RetryBadcaseRatioThreshold float64     `json:"retry_badcase_ratio_threshold,omitempty"`

	WavPath       string `json:"wav_path,omitempty"`
	UseText       bool   `json:"use_text,omitempty"`
	CrossLanguage bool   `json:"cross_language,omitempty"`
}

type execResponse struct {
	PCMBase64 string         `json:"pcm_base64"`
	Token     int            `json:"token"`
	Feature   prompt.Feature `json:"feature"`
	Error     string         `json:"error"`
}

func NewExecPrimitive(command string, sampleRate int) (*ExecPrimitive, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &ExecPrimitive{cmd: args, sampleRate: sampleRate}, nil
}

func (e *ExecPrimitive) SampleRate() int { return e.sampleRate }

func (e *ExecPrimitive) GenerateWithCache(ctx context.Context, req GenerationRequest) (<-chan Frame, <-chan error) {
	e.mu.Lock()
	frames := make(chan Frame)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		defer close(errs)
		defer e.mu.Unlock()

		payload := execRequest{
			Op:                         opGenerate,
			SampleRate:                 e.sampleRate,
			Text:                       req.Text,
			MinLen:                     req.MinLen,
			MaxLen:                     req.MaxLen,
			InferenceTimesteps:         req.Steps,
			CFGValue:                   req.CFG,
			Streaming:                  req.Streaming,
			RetryBadcase:               req.Retry.Enabled,
			RetryBadcaseMaxTimes:       req.Retry.MaxTimes,
			RetryBadcaseRatioThreshold: req.Retry.RatioThreshold,
		}
		if c := req.Cache; c != nil {
			payload.Prompt = &execPrompt{Text: c.Text, Feature: c.Feature, CrossLanguage: c.CrossLanguage, UseText: c.UseText}
		}

		err := e.call(ctx, payload, func(resp execResponse) error {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode pcm: %w", err)
			}
			frame := Frame{Samples: audio.BytesToFloat32(pcm), Token: resp.Token, Feature: resp.Feature}
			select {
			case frames <- frame:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()
	return frames, errs
}

// Build asks the model to derive a prompt cache from reference audio.
func (e *ExecPrimitive) Build(ctx context.Context, req prompt.BuildRequest) (prompt.Feature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var feature prompt.Feature
	err := e.call(ctx, execRequest{
		Op:            opBuildPromptCache,
		SampleRate:    e.sampleRate,
		WavPath:       req.WavPath,
		Text:          req.Text,
		UseText:       req.UseText,
		CrossLanguage: req.CrossLanguage,
	}, func(resp execResponse) error {
		feature = resp.Feature
		return nil
	})
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, errors.New("synth command returned no prompt feature")
	}
	return feature, nil
}

// call runs the command once, feeding each reply line to handle until
// stdout closes. A reply with a non-empty error field, a handler error or a
// non-zero exit fails the call.
func (e *ExecPrimitive) call(ctx context.Context, payload execRequest, handle func(execResponse) error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start synth command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("decode synth response: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("synth command: %s", resp.Error)
		}
		if err := handle(resp); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("synth command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("synth command failed: %w", err)
	}
	return scanErr
}
