package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mgoltzsche/transcription-server/internal/audio"
	"github.com/mgoltzsche/transcription-server/internal/convert"
	"github.com/mgoltzsche/transcription-server/internal/stt"
	"github.com/mgoltzsche/transcription-server/pkg/config"
)

// NewService creates the converter, loads the backend and wires both into a Service.
// The caller must Close the service.
func NewService(ctx context.Context, cfg config.Configuration, recorder Recorder) (*Service, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var converter convert.Converter

	switch cfg.Preprocessing.Converter {
	case config.ConverterDocker:
		converter = &convert.Docker{Image: cfg.Preprocessing.FFmpegImage, Codec: cfg.Preprocessing.Codec}
	default:
		converter = &convert.Exec{Path: cfg.Preprocessing.FFmpegPath, Codec: cfg.Preprocessing.Codec}
	}

	backend, err := stt.New(ctx, cfg, &http.Client{Timeout: time.Duration(cfg.InferenceTimeout) + 10*time.Second})
	if err != nil {
		closeAll(converter)
		return nil, fmt.Errorf("load %s backend: %w", cfg.Backend, err)
	}

	return &Service{
		Normalizer: &audio.Normalizer{
			Converter: converter,
			Codec:     cfg.Preprocessing.Codec,
			TempDir:   cfg.Preprocessing.TempDir,
		},
		Backend:           backend,
		DefaultLanguage:   cfg.DefaultLanguage,
		BeamSize:          cfg.BeamSize,
		PreprocessTimeout: time.Duration(cfg.Preprocessing.Timeout),
		InferenceTimeout:  time.Duration(cfg.InferenceTimeout),
		IncludeMetrics:    cfg.IncludeMetrics,
		Recorder:          recorder,
		closers:           []any{backend, converter},
	}, nil
}

// Close releases the backend and the converter.
func (s *Service) Close() error {
	return closeAll(s.closers...)
}

func closeAll(resources ...any) error {
	var errs []error

	for _, r := range resources {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
