// Command voxcpm synthesizes Kazakh speech from the command line: a single
// text, a cloned voice from a reference clip or preset, or a batch of lines
// from a file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
	"github.com/allssai/voxcpm-kazakh-tts/internal/bus"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/logging"
	"github.com/allssai/voxcpm-kazakh-tts/internal/protocol"
	"github.com/allssai/voxcpm-kazakh-tts/internal/runtime"
	"github.com/allssai/voxcpm-kazakh-tts/internal/tts"
	"github.com/allssai/voxcpm-kazakh-tts/internal/voices"
)

var errUsage = errors.New("usage")

type options struct {
	configPath    string
	text          string
	input         string
	output        string
	outputDir     string
	promptAudio   string
	promptText    string
	voice         string
	voicesDir     string
	cfgValue      float64
	steps         int
	normalize     bool
	denoise       bool
	stream        bool
	removeSilence bool
	dryRun        bool
	synthMode     string
	synthCommand  string
	denoiser      string
	logLevel      string
	submit        string
	timeout       time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	applyOptions(&cfg, opts)

	logger, closer, err := logging.New(cfg.Telemetry, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer closer.Close()

	if opts.submit != "" {
		if err := submit(ctx, cfg, opts, logger, stdout); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	engine, err := runtime.BuildEngine(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	c := &cli{opts: opts, cfg: cfg, engine: engine, log: logger, stdout: stdout, stderr: stderr}
	if err := c.resolveVoice(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	switch {
	case opts.dryRun:
		err = c.dryRun()
	case opts.input != "":
		err = c.batch(ctx)
	default:
		err = c.single(ctx)
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("voxcpm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Optional configuration file")
	fs.StringVar(&o.text, "text", "", "Text to synthesize (single or clone mode)")
	fs.StringVar(&o.input, "input", "", "Input text file, one utterance per line (batch mode)")
	fs.StringVar(&o.output, "output", "", "Output WAV path (single or clone mode)")
	fs.StringVar(&o.outputDir, "output-dir", "", "Output directory (batch mode)")
	fs.StringVar(&o.promptAudio, "prompt-audio", "", "Reference audio for voice cloning")
	fs.StringVar(&o.promptText, "prompt-text", "", "Transcript of the reference audio")
	fs.StringVar(&o.voice, "voice", "", "Voice preset from the voice library")
	fs.StringVar(&o.voicesDir, "voices-dir", "", "Voice library directory")
	fs.Float64Var(&o.cfgValue, "cfg-value", 2.0, "Guidance scale (0.1 to 10)")
	fs.IntVar(&o.steps, "inference-timesteps", 10, "Inference steps (1 to 100)")
	fs.BoolVar(&o.normalize, "normalize", false, "Normalize text before synthesis")
	fs.BoolVar(&o.denoise, "denoise", false, "Denoise the reference audio")
	fs.BoolVar(&o.stream, "stream", false, "Stream chunks as they are generated")
	fs.BoolVar(&o.removeSilence, "remove-silence", false, "Shorten long pauses in the output")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Print the utterances and exit")
	fs.StringVar(&o.synthMode, "synth-mode", "", "Synthesis backend: mock or exec")
	fs.StringVar(&o.synthCommand, "synth-command", "", "Command for the exec backend")
	fs.StringVar(&o.denoiser, "denoiser-command", "", "Command for the reference denoiser")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level")
	fs.StringVar(&o.submit, "submit", "", "Send the job to a running voxd at this NATS URL instead of synthesizing locally")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Minute, "How long to wait for a submitted job")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, o.validate()
}

func (o options) validate() error {
	if err := config.ValidateGeneration(o.cfgValue, o.steps); err != nil {
		return err
	}
	if o.input != "" && o.text != "" {
		return fmt.Errorf("%w: use either batch mode (-input) or single mode (-text), not both", errUsage)
	}
	if o.promptAudio != "" && o.voice != "" {
		return fmt.Errorf("%w: -voice and -prompt-audio are mutually exclusive", errUsage)
	}
	if o.submit != "" {
		if o.text == "" || o.input != "" || o.dryRun {
			return fmt.Errorf("%w: -submit takes a single -text", errUsage)
		}
		return nil
	}
	if o.dryRun {
		if o.text == "" && o.input == "" {
			return fmt.Errorf("%w: dry run requires -text or -input", errUsage)
		}
		return nil
	}
	if o.input != "" {
		if o.outputDir == "" {
			return fmt.Errorf("%w: batch mode requires -output-dir", errUsage)
		}
		return nil
	}
	if o.text == "" || o.output == "" {
		return fmt.Errorf("%w: single mode requires -text and -output", errUsage)
	}
	if (o.promptAudio != "") != (o.promptText != "") {
		return fmt.Errorf("%w: voice cloning requires both -prompt-audio and -prompt-text", errUsage)
	}
	return nil
}

func applyOptions(cfg *config.Config, o options) {
	cfg.Telemetry.LogLevel = o.logLevel
	cfg.Telemetry.LogFile = ""
	if o.synthMode != "" {
		cfg.Synth.Mode = o.synthMode
	}
	if o.synthCommand != "" {
		cfg.Synth.Command = o.synthCommand
	}
	if o.voicesDir != "" {
		cfg.Voices.Directory = o.voicesDir
	}
	if o.normalize {
		cfg.Normalizer.Enabled = true
	}
	if o.denoiser != "" {
		cfg.Denoiser.Enabled = true
		cfg.Denoiser.Command = o.denoiser
	}
	cfg.Generation.CFGValue = o.cfgValue
	cfg.Generation.InferenceTimesteps = o.steps
}

type cli struct {
	opts   options
	cfg    config.Config
	engine *tts.Engine
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// resolveVoice turns a preset name into a reference clip and transcript.
func (c *cli) resolveVoice() error {
	if c.opts.voice == "" {
		return nil
	}
	lib := voices.NewLibrary(c.cfg.Voices.Directory, c.log)
	v, err := lib.Lookup(c.opts.voice)
	if err != nil {
		return err
	}
	c.opts.promptAudio = v.AudioPath
	c.opts.promptText = v.RefText
	return nil
}

func (c *cli) request(text string) tts.Request {
	return tts.Request{
		Text:          text,
		PromptWavPath: c.opts.promptAudio,
		PromptText:    c.opts.promptText,
		CFG:           c.opts.cfgValue,
		Steps:         c.opts.steps,
		Normalize:     c.opts.normalize,
		// Denoising only applies to a reference clip.
		Denoise:   c.opts.denoise && c.opts.promptAudio != "",
		Streaming: c.opts.stream,
	}
}

func (c *cli) dryRun() error {
	texts := []string{c.opts.text}
	if c.opts.input != "" {
		lines, err := readLines(c.opts.input)
		if err != nil {
			return err
		}
		texts = lines
	}
	for i, text := range texts {
		plan, err := c.engine.Plan(text, c.opts.normalize)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		for j, utt := range plan {
			fmt.Fprintf(c.stdout, "%d.%d\t%s\n", i+1, j+1, utt)
		}
	}
	return nil
}

func (c *cli) single(ctx context.Context) error {
	duration, err := c.synthesize(ctx, c.opts.text, c.opts.output)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "Saved audio to: %s (%.2fs)\n", c.opts.output, duration)
	return nil
}

// batch synthesizes every non-empty line of the input file. Failing lines
// are reported and skipped; only a batch where nothing succeeds fails.
func (c *cli) batch(ctx context.Context) error {
	texts, err := readLines(c.opts.input)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.opts.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	succeeded := 0
	for i, text := range texts {
		if ctx.Err() != nil {
			break
		}
		out := filepath.Join(c.opts.outputDir, fmt.Sprintf("output_%03d.wav", i+1))
		duration, err := c.synthesize(ctx, text, out)
		if err != nil {
			fmt.Fprintf(c.stderr, "Failed on line %d: %v\n", i+1, err)
			continue
		}
		succeeded++
		fmt.Fprintf(c.stderr, "Saved: %s (%.2fs)\n", out, duration)
	}
	fmt.Fprintf(c.stderr, "\nBatch finished: %d/%d succeeded\n", succeeded, len(texts))
	if err := ctx.Err(); err != nil {
		return err
	}
	if succeeded == 0 {
		return errors.New("no line was synthesized")
	}
	return nil
}

func (c *cli) synthesize(ctx context.Context, text, output string) (float64, error) {
	req := c.request(text)
	var (
		samples []float32
		err     error
	)
	if req.Streaming {
		err = c.engine.GenerateStreaming(ctx, req, func(ch tts.Chunk) error {
			samples = append(samples, ch.Samples...)
			fmt.Fprintf(c.stderr, "chunk %d.%d: %d samples\n", ch.Utterance+1, ch.Sequence+1, len(ch.Samples))
			return nil
		})
	} else {
		samples, err = c.engine.Generate(ctx, req)
	}
	if err != nil {
		return 0, err
	}

	var compactor *audio.Compactor
	if c.opts.removeSilence || c.cfg.Silence.Enabled {
		cp := tts.CompactorFromConfig(c.cfg.Silence)
		compactor = &cp
	}
	sr := c.engine.SampleRate()
	finished, err := tts.Finish(samples, sr, compactor)
	if err != nil {
		return 0, err
	}
	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := audio.WriteWAV(output, finished.Samples, sr); err != nil {
		return 0, err
	}
	return float64(len(finished.Samples)) / float64(sr), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	if len(lines) == 0 {
		return nil, errors.New("input file is empty")
	}
	return lines, nil
}

// submit hands the text to a voxd daemon over NATS and prints where the
// daemon wrote the result. The output file lives on the daemon's host.
func submit(ctx context.Context, cfg config.Config, o options, log *slog.Logger, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	busCfg := cfg.Bus
	busCfg.Servers = []string{o.submit}
	client, err := bus.Connect(ctx, "voxcpm", busCfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	req := protocol.TTSRequest{
		Text:               o.text,
		Voice:              o.voice,
		PromptWavPath:      o.promptAudio,
		PromptText:         o.promptText,
		CFGValue:           o.cfgValue,
		InferenceTimesteps: o.steps,
		Normalize:          &o.normalize,
		Denoise:            &o.denoise,
		RemoveSilence:      &o.removeSilence,
	}
	if o.output != "" {
		req.OutputName = filepath.Base(o.output)
	}
	var status protocol.TTSStatus
	if err := client.RequestJSON(ctx, protocol.SubjectTTSRequest, req, &status); err != nil {
		return err
	}
	if !status.Completed {
		return fmt.Errorf("job %s failed: %s", status.JobID, status.Error)
	}
	fmt.Fprintf(stdout, "%s\t%s\t%.2fs\n", status.JobID, status.OutputPath, status.Duration)
	return nil
}
