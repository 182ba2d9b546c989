package runtime

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/allssai/voxcpm-kazakh-tts/internal/capability"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/denoise"
	"github.com/allssai/voxcpm-kazakh-tts/internal/textnorm"
	"github.com/allssai/voxcpm-kazakh-tts/internal/tts"
)

// BuildEngine assembles the synthesis engine and its collaborators from
// configuration. It is shared by the daemon and the CLI.
func BuildEngine(cfg config.Config, log *slog.Logger) (*tts.Engine, error) {
	var collab tts.Collaborators
	switch cfg.Synth.Mode {
	case "exec":
		p, err := tts.NewExecPrimitive(cfg.Synth.Command, cfg.Synth.SampleRate)
		if err != nil {
			return nil, err
		}
		collab.Primitive, collab.Builder = p, p
	case "mock", "":
		p := tts.NewMockPrimitive(cfg.Synth.SampleRate, time.Duration(cfg.Synth.MockDelayMS)*time.Millisecond)
		collab.Primitive, collab.Builder = p, p
	default:
		return nil, fmt.Errorf("unsupported synth mode %q", cfg.Synth.Mode)
	}

	if cfg.Normalizer.Enabled {
		collab.Normalizer = textnorm.New()
	}
	if cfg.Denoiser.Enabled {
		d, err := denoise.NewExecDenoiser(cfg.Denoiser.Command)
		if err != nil {
			return nil, err
		}
		collab.Denoiser = d
	}

	return tts.NewEngine(collab, EngineOptions(cfg.Generation), log)
}

// EngineOptions maps the generation section onto engine defaults.
func EngineOptions(gen config.GenerationConfig) tts.Options {
	opts := tts.DefaultOptions()
	if gen.CFGValue > 0 {
		opts.CFG = gen.CFGValue
	}
	if gen.InferenceTimesteps > 0 {
		opts.Steps = gen.InferenceTimesteps
	}
	opts.MinLen = gen.MinLen
	if gen.MaxLen > 0 {
		opts.MaxLen = gen.MaxLen
	}
	opts.Retry = tts.RetryConfig{
		Enabled:        gen.RetryBadcase,
		MaxTimes:       gen.RetryBadcaseMaxTimes,
		RatioThreshold: gen.RetryBadcaseRatioThreshold,
	}
	return opts
}

// localCapabilities describes this node for the capability registry.
func localCapabilities(cfg config.Config, voiceNames []string) []capability.Capability {
	caps := []capability.Capability{{
		Name: "tts",
		Attributes: map[string]string{
			"mode":        cfg.Synth.Mode,
			"sample_rate": strconv.Itoa(cfg.Synth.SampleRate),
			"denoise":     strconv.FormatBool(cfg.Denoiser.Enabled),
			"normalize":   strconv.FormatBool(cfg.Normalizer.Enabled),
		},
	}}
	for _, name := range voiceNames {
		caps = append(caps, capability.Capability{Name: "voice", Attributes: map[string]string{"name": name}})
	}
	return caps
}
