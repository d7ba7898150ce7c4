// Package convert runs the external media converter (ffmpeg) that turns an
// arbitrary upload into mono 16kHz audio.
package convert

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	SampleRate = 16000
	Channels   = 1

	CodecPCM  = "pcm_s16le"
	CodecFLAC = "flac"
)

// Converter converts the audio stream of the input file into the output file.
type Converter interface {
	Convert(ctx context.Context, input, output string) error
}

// ExitError is returned when the converter process exits unsuccessfully.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("converter exited with code %d", e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Args returns the fixed ffmpeg arguments for a conversion.
func Args(input, output, codec string) []string {
	if codec == "" {
		codec = CodecPCM
	}

	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-map", "0:a",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-c:a", codec,
		output,
	}
}

// Extension returns the output file extension for a codec.
func Extension(codec string) string {
	if codec == CodecFLAC {
		return ".flac"
	}
	return ".wav"
}

// ValidCodec reports whether the codec is a supported lossless output codec.
func ValidCodec(codec string) bool {
	switch codec {
	case CodecPCM, CodecFLAC:
		return true
	}
	return false
}

func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	const max = 2048
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(ctx context.Context, input, output string) error

func (f ConverterFunc) Convert(ctx context.Context, input, output string) error {
	return f(ctx, input, output)
}
