package stt

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mgoltzsche/transcription-server/pkg/config"
)

// New creates and loads the backend selected by the configuration.
// It returns once the model is ready to serve requests.
func New(ctx context.Context, cfg config.Configuration, httpClient *http.Client) (Backend, error) {
	switch cfg.Backend {
	case BackendFasterWhisper:
		return NewFasterWhisper(ctx, FasterWhisperConfig{
			ModelPath:   cfg.ModelPath,
			Device:      cfg.Device,
			ComputeType: cfg.ComputeType,
			CPUThreads:  cfg.CPUThreads,
			Workers:     cfg.Workers,
			Python:      cfg.PythonPath,
		})
	case BackendTransformers:
		c := &Client{
			URL:    cfg.ServerURL,
			Model:  cfg.ModelPath,
			APIKey: cfg.APIKey,
			Client: httpClient,
		}

		err := c.Warmup(ctx)
		if err != nil {
			return nil, err
		}

		return c, nil
	case BackendGroq:
		return NewGroq(cfg.GroqAPIKey, cfg.GroqBaseURL, cfg.GroqModel, httpClient)
	default:
		return nil, fmt.Errorf("unsupported backend %q, supported backends are %v", cfg.Backend, Backends())
	}
}
