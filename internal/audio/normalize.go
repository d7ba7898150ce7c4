package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mgoltzsche/transcription-server/internal/convert"
	"github.com/mgoltzsche/transcription-server/internal/workspace"
)

// ErrCorruptAudio indicates that the converter could not decode the upload.
var ErrCorruptAudio = errors.New("corrupt or unsupported audio")

// ErrEmptyAudio indicates a zero-byte upload.
var ErrEmptyAudio = errors.New("empty audio upload")

const invalidInputDiagnostic = "Invalid data found when processing input"

// PreprocessingError is returned when an upload cannot be normalized.
type PreprocessingError struct {
	Message string
	Err     error
}

func (e *PreprocessingError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("audio preprocessing failed: %s", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("audio preprocessing failed: %s: %s", e.Message, e.Err)
	}
	return "audio preprocessing failed: " + e.Message
}

func (e *PreprocessingError) Unwrap() error {
	return e.Err
}

// NormalizedAudio is a mono 16kHz audio file inside a request-scoped temp dir.
// The owner must call Release once it no longer needs the file.
type NormalizedAudio struct {
	Path       string
	SampleRate int
	Channels   int
	Duration   time.Duration

	dir *workspace.Dir
}

// Release deletes the file and its temp dir. It is safe to call more than once.
func (a *NormalizedAudio) Release() (time.Duration, error) {
	if a == nil || a.dir == nil {
		return 0, nil
	}
	return a.dir.Release()
}

// Dir returns the temp directory holding the file.
func (a *NormalizedAudio) Dir() string {
	if a.dir == nil {
		return ""
	}
	return a.dir.Root()
}

// Normalizer converts uploads into the canonical format expected by the backends.
type Normalizer struct {
	Converter convert.Converter
	Codec     string
	// TempDir is the parent of the per-call temp dirs. Empty selects workspace.DefaultRoot().
	TempDir string
	// Prefix is prepended to temp dir names.
	Prefix string
}

// Normalize persists the upload and converts it into the canonical format.
// On success the caller owns the returned audio and must release it.
// On failure all temporary files have been removed already.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, filename string) (*NormalizedAudio, time.Duration, error) {
	start := time.Now()

	prefix := n.Prefix
	if prefix == "" {
		prefix = "transcribe-"
	}

	dir, err := workspace.New(n.TempDir, prefix)
	if err != nil {
		return nil, time.Since(start), &PreprocessingError{Message: "create temp dir", Err: err}
	}

	result, err := n.normalize(ctx, dir, raw, filename)
	if err != nil {
		if _, e := dir.Release(); e != nil {
			slog.Warn(fmt.Sprintf("failed to clean up temp dir after preprocessing failure: %s", e))
		}

		return nil, time.Since(start), err
	}

	return result, time.Since(start), nil
}

func (n *Normalizer) normalize(ctx context.Context, dir *workspace.Dir, raw []byte, filename string) (*NormalizedAudio, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "audio"
	}

	input := dir.Path("input" + ext)
	output := dir.Path("processed_" + base + convert.Extension(n.Codec))

	if err := os.WriteFile(input, raw, 0o600); err != nil {
		return nil, &PreprocessingError{Message: "write upload to temp file", Err: err}
	}

	if len(raw) == 0 {
		return nil, &PreprocessingError{Err: fmt.Errorf("%w: %s", ErrEmptyAudio, filepath.Base(filename))}
	}

	slog.Debug(fmt.Sprintf("converting %s into %s", input, output))

	err := n.Converter.Convert(ctx, input, output)
	if err != nil {
		return nil, classifyConverterError(err)
	}

	fi, err := os.Stat(output)
	if err != nil || fi.Size() == 0 {
		return nil, &PreprocessingError{Message: "converter produced no output", Err: err}
	}

	result := &NormalizedAudio{
		Path:       output,
		SampleRate: convert.SampleRate,
		Channels:   convert.Channels,
		dir:        dir,
	}

	if convert.Extension(n.Codec) == ".wav" {
		info, err := InspectWave(output)
		if err != nil {
			return nil, &PreprocessingError{Message: "converter produced an unreadable wave file", Err: err}
		}

		if info.SampleRate != convert.SampleRate || info.Channels != convert.Channels {
			return nil, &PreprocessingError{
				Message: fmt.Sprintf("converter produced %d Hz with %d channel(s), expected %d Hz mono", info.SampleRate, info.Channels, convert.SampleRate),
			}
		}

		result.Duration = info.Duration
	}

	if err := dir.Remove(input); err != nil {
		slog.Warn(fmt.Sprintf("failed to remove raw upload: %s", err))
	}

	return result, nil
}

func classifyConverterError(err error) error {
	var exitErr *convert.ExitError
	if errors.As(err, &exitErr) {
		if strings.Contains(exitErr.Stderr, invalidInputDiagnostic) {
			return &PreprocessingError{Err: fmt.Errorf("%w: %s", ErrCorruptAudio, exitErr.Stderr)}
		}

		return &PreprocessingError{Message: "audio conversion failed", Err: err}
	}

	return &PreprocessingError{Message: "run audio converter", Err: err}
}
