package config

import (
	"encoding/json"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/mgoltzsche/transcription-server/internal/convert"
)

const (
	ConverterExec   = "exec"
	ConverterDocker = "docker"
)

var (
	backends   = []string{"faster-whisper", "transformers", "groq"}
	converters = []string{ConverterExec, ConverterDocker}
)

type Configuration struct {
	Backend string `json:"backend"`

	// faster-whisper
	ModelPath   string `json:"modelPath,omitempty"`
	Device      string `json:"device,omitempty"`
	ComputeType string `json:"computeType,omitempty"`
	CPUThreads  int    `json:"cpuThreads,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	PythonPath  string `json:"pythonPath,omitempty"`

	// transformers (OpenAI-compatible local server)
	ServerURL string `json:"serverURL,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`

	// groq
	GroqAPIKey  string `json:"groqAPIKey,omitempty"`
	GroqBaseURL string `json:"groqBaseURL,omitempty"`
	GroqModel   string `json:"groqModel,omitempty"`

	Preprocessing PreprocessingConfig `json:"preprocessing,omitempty"`

	InferenceTimeout Duration `json:"inferenceTimeout,omitempty"`
	MaxUploadMB      int64    `json:"maxUploadMB,omitempty"`
	IncludeMetrics   bool     `json:"includeMetrics,omitempty"`
	DefaultLanguage  string   `json:"defaultLanguage,omitempty"`
	BeamSize         int      `json:"beamSize,omitempty"`
	CORSOrigins      []string `json:"corsOrigins,omitempty"`
}

type PreprocessingConfig struct {
	Converter   string   `json:"converter,omitempty"`
	FFmpegPath  string   `json:"ffmpegPath,omitempty"`
	FFmpegImage string   `json:"ffmpegImage,omitempty"`
	Codec       string   `json:"codec,omitempty"`
	TempDir     string   `json:"tempDir,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`
}

// Default returns the configuration used when no file is provided.
func Default() Configuration {
	return Configuration{
		Backend:     "faster-whisper",
		ModelPath:   "models/faster-whisper-base.en",
		Device:      "auto",
		ComputeType: "auto",
		CPUThreads:  min(runtime.NumCPU(), 4),
		Workers:     1,
		PythonPath:  "python3",
		ServerURL:   "http://localhost:8080",
		GroqModel:   "distil-whisper-large-v3-en",
		Preprocessing: PreprocessingConfig{
			Converter:   ConverterExec,
			FFmpegPath:  "ffmpeg",
			FFmpegImage: "linuxserver/ffmpeg:latest",
			Codec:       "pcm_s16le",
			Timeout:     Duration(2 * time.Minute),
		},
		InferenceTimeout: Duration(5 * time.Minute),
		MaxUploadMB:      25,
		DefaultLanguage:  "en",
		CORSOrigins:      []string{"*"},
	}
}

// Validate checks the configuration for invalid values.
func (c *Configuration) Validate() error {
	if !slices.Contains(backends, c.Backend) {
		return fmt.Errorf("backend must be one of %v, got %q", backends, c.Backend)
	}

	if !slices.Contains(converters, c.Preprocessing.Converter) {
		return fmt.Errorf("preprocessing.converter must be one of %v, got %q", converters, c.Preprocessing.Converter)
	}

	if !convert.ValidCodec(c.Preprocessing.Codec) {
		return fmt.Errorf("preprocessing.codec must be one of %v, got %q", []string{convert.CodecPCM, convert.CodecFLAC}, c.Preprocessing.Codec)
	}

	if c.Preprocessing.Timeout <= 0 {
		return fmt.Errorf("preprocessing.timeout must be > 0")
	}

	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("inferenceTimeout must be > 0")
	}

	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("maxUploadMB must be > 0")
	}

	switch c.Backend {
	case "faster-whisper":
		if c.ModelPath == "" {
			return fmt.Errorf("modelPath must not be empty")
		}
		if c.Workers <= 0 {
			return fmt.Errorf("workers must be > 0")
		}
	case "transformers":
		if c.ServerURL == "" {
			return fmt.Errorf("serverURL must not be empty")
		}
	case "groq":
		if c.GroqAPIKey == "" {
			return fmt.Errorf("groqAPIKey must be set when using the groq backend")
		}
	}

	return nil
}

// Duration is a time.Duration that reads and writes Go duration strings such as "90s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
	case string:
		return d.Set(value)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}

	return nil
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(v)

	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
