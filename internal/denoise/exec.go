// Package denoise runs an external speech enhancement tool over reference
// recordings before they are used as a voice prompt.
package denoise

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/allssai/voxcpm-kazakh-tts/internal/audio"
)

// ExecDenoiser invokes `<command> --input <in> --output <out>` and expects
// a WAV file at <out> when the command exits successfully.
type ExecDenoiser struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecDenoiser(command string) (*ExecDenoiser, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse denoiser command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("denoiser command is empty")
	}
	return &ExecDenoiser{cmd: args}, nil
}

func (d *ExecDenoiser) Enhance(ctx context.Context, inputPath, outputPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("denoiser input: %w", err)
	}

	cmdArgs := append([]string{}, d.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--input", inputPath, "--output", outputPath)

	command := exec.CommandContext(ctx, d.cmd[0], cmdArgs...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("denoiser command failed: %w: %s", err, stderr.String())
	}

	if _, err := audio.ReadWAVInfo(outputPath); err != nil {
		return fmt.Errorf("denoiser output: %w", err)
	}
	return nil
}
