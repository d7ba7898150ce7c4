package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mgoltzsche/transcription-server/internal/cli"
	"github.com/mgoltzsche/transcription-server/internal/transcription"
	"github.com/mgoltzsche/transcription-server/pkg/config"
)

type fileError struct {
	File   string `json:"file"`
	Detail string `json:"detail"`
}

// Transcribes local audio files the same way the server does and prints one JSON document per file.
func main() {
	configFile := "/etc/transcription-server/config.yaml"
	cfg, err := config.FromFile(configFile)
	configFlag := &config.Flag{File: configFile, Config: &cfg}

	if err != nil && errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}

	opts := transcription.Options{}
	temperature := -1.0

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [FLAGS] FILE...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Var(configFlag, "config", "Path to the configuration file")
	flag.StringVar(&opts.Language, "language", opts.Language, "Language of the audio (empty to detect)")
	flag.StringVar(&opts.Prompt, "prompt", opts.Prompt, "Text to guide the transcription style or vocabulary")
	flag.Float64Var(&temperature, "temperature", temperature, "Sampling temperature between 0 and 1 (negative selects the backend default)")
	flag.BoolVar(&opts.IncludeMetrics, "metrics", opts.IncludeMetrics, "Include stage metrics in the output")
	config.AddFlags(flag.CommandLine, &cfg)
	cli.ParseFlagsWithEnvVars(flag.CommandLine, "STT_", map[string]string{
		"MODEL_PATH":    "model-path",
		"GROQ_API_KEY":  "groq-api-key",
		"DEFAULT_MODEL": "groq-model",
	})

	if !configFlag.IsSet && err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if temperature >= 0 {
		t := float32(temperature)
		opts.Temperature = &t
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = transcribeFiles(ctx, cfg, opts, flag.Args())
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func transcribeFiles(ctx context.Context, cfg config.Configuration, opts transcription.Options, files []string) error {
	svc, err := transcription.NewService(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	failed := 0

	for _, file := range files {
		payload, err := transcribeFile(ctx, svc, opts, file)
		if err != nil {
			failed++
			err = encoder.Encode(fileError{File: file, Detail: err.Error()})
		} else {
			err = encoder.Encode(payload)
		}

		if err != nil {
			return fmt.Errorf("write output: %w", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to transcribe %d of %d file(s)", failed, len(files))
	}

	return nil
}

func transcribeFile(ctx context.Context, svc *transcription.Service, opts transcription.Options, file string) (transcription.ResponsePayload, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return transcription.ResponsePayload{}, fmt.Errorf("read audio file: %w", err)
	}

	return svc.HandleUpload(ctx, transcription.UploadedAudio{Filename: filepath.Base(file), Data: data}, opts)
}
