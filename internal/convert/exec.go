package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

var _ Converter = &Exec{}

// Exec runs ffmpeg as a local child process.
type Exec struct {
	// Path is the ffmpeg executable. Defaults to "ffmpeg" resolved via PATH.
	Path  string
	Codec string
}

func (c *Exec) Convert(ctx context.Context, input, output string) error {
	path := c.Path
	if path == "" {
		path = "ffmpeg"
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, path, Args(input, output, c.Codec)...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("run %s: %w", path, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: trimStderr(stderr.String())}
	}

	return fmt.Errorf("run %s: %w", path, err)
}
