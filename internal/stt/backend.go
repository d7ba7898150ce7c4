// Package stt provides the speech-to-text backends.
//
// Supported backends:
//   - faster-whisper: CTranslate2 model served by a pool of local Python workers
//   - transformers: whisper model behind a local OpenAI-compatible server
//   - groq: hosted inference API
package stt

import (
	"context"
	"fmt"
	"time"
)

const (
	BackendFasterWhisper = "faster-whisper"
	BackendTransformers  = "transformers"
	BackendGroq          = "groq"
)

// Sub-stage timing keys a backend may report.
const (
	StageAudioLoading      = "audio_loading"
	StageFeatureExtraction = "feature_extraction"
	StageModelInference    = "model_inference"
	StageDecoding          = "decoding"
	StagePostprocessing    = "postprocessing"
)

// Backends lists the supported backend names.
func Backends() []string {
	return []string{BackendFasterWhisper, BackendTransformers, BackendGroq}
}

// Backend transcribes a normalized (mono 16kHz) audio file.
// Implementations must be safe for concurrent use.
type Backend interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
	Info() ModelInfo
	Close() error
}

// Options tune a single transcription. Zero values select backend defaults.
type Options struct {
	Language    string
	Temperature *float32
	BeamSize    int
	Prompt      string
}

// Result is the recognized text of one audio file.
type Result struct {
	Text                string
	Language            string
	LanguageProbability float64
	Duration            time.Duration
	Segments            []Segment
	// Timings holds the sub-stages the backend measured itself.
	Timings map[string]time.Duration
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability,omitempty"`
}

// ModelInfo is static metadata about the loaded model.
type ModelInfo struct {
	Backend         string        `json:"backend"`
	CurrentModel    string        `json:"current_model"`
	AvailableModels []string      `json:"available_models"`
	Device          string        `json:"device,omitempty"`
	ComputeType     string        `json:"compute_type,omitempty"`
	ModelLoad       time.Duration `json:"-"`
}

// BackendError is returned when inference fails.
type BackendError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transcription failed with status %d: %s", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transcription failed: %s", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
