package tts

import (
	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
)

// CompactorFromConfig maps the silence section onto an audio.Compactor.
// Zero fields fall back to the compactor defaults.
func CompactorFromConfig(cfg config.SilenceConfig) audio.Compactor {
	c := audio.DefaultCompactor()
	if cfg.TopDB > 0 {
		c.TopDB = cfg.TopDB
	}
	if cfg.FrameLength > 0 {
		c.FrameLength = cfg.FrameLength
	}
	if cfg.HopLength > 0 {
		c.HopLength = cfg.HopLength
	}
	if cfg.MaxGapMS > 0 {
		c.MaxGap = float64(cfg.MaxGapMS) / 1000
	}
	if cfg.TargetGapMS > 0 {
		c.TargetGap = float64(cfg.TargetGapMS) / 1000
	}
	return c
}

// Finished is a waveform ready to be written.
type Finished struct {
	Samples []float32
	// Removed is the number of samples dropped by silence compaction.
	Removed int
	// Gained reports whether the quiet-output boost was applied.
	Gained bool
}

// Finish checks a generated waveform and prepares it for output: it
// rejects empty or silent audio, optionally compacts long pauses and
// boosts very quiet results. A nil compactor skips compaction.
func Finish(samples []float32, sampleRate int, compactor *audio.Compactor) (Finished, error) {
	if err := ValidateOutput(samples); err != nil {
		return Finished{}, err
	}
	out := Finished{Samples: samples}
	if compactor != nil {
		out.Samples = compactor.Compact(samples, sampleRate)
		out.Removed = len(samples) - len(out.Samples)
	}
	out.Samples, out.Gained = audio.AutoGain(out.Samples)
	return out, nil
}
