package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "distil-whisper-large-v3-en"
)

var _ Backend = &Groq{}

// Groq transcribes via the hosted Groq inference API.
type Groq struct {
	model  string
	client *openai.Client
}

// NewGroq creates a hosted API backend. An empty baseURL selects the Groq API.
func NewGroq(apiKey, baseURL, model string, httpClient *http.Client) (*Groq, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", BackendGroq)
	}

	if baseURL == "" {
		baseURL = DefaultGroqBaseURL
	}

	if model == "" {
		model = DefaultGroqModel
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	return &Groq{
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

func (g *Groq) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	req := openai.AudioRequest{
		Model:    g.model,
		FilePath: audioPath,
		Prompt:   opts.Prompt,
		Language: opts.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularitySegment,
			openai.TranscriptionTimestampGranularityWord,
		},
	}

	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}

	start := time.Now()

	resp, err := g.client.CreateTranscription(ctx, req)
	if err != nil {
		return Result{}, groqError(err)
	}

	inference := time.Since(start)
	postStart := time.Now()

	result := Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: languageCode(resp.Language),
		Duration: time.Duration(resp.Duration * float64(time.Second)),
		Segments: make([]Segment, len(resp.Segments)),
	}

	for i, s := range resp.Segments {
		result.Segments[i] = Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
	}

	for _, w := range resp.Words {
		word := Word{Start: w.Start, End: w.End, Word: w.Word}
		if i := segmentIndex(result.Segments, w.Start); i >= 0 {
			result.Segments[i].Words = append(result.Segments[i].Words, word)
		}
	}

	result.Timings = map[string]time.Duration{
		StageModelInference: inference,
		StagePostprocessing: time.Since(postStart),
	}

	return result, nil
}

func (g *Groq) Info() ModelInfo {
	return ModelInfo{
		Backend:      BackendGroq,
		CurrentModel: g.model,
		AvailableModels: []string{
			"distil-whisper-large-v3-en",
			"whisper-large-v3",
			"whisper-large-v3-turbo",
		},
		Device: "remote",
	}
}

func (g *Groq) Close() error {
	return nil
}

func groqError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{Backend: BackendGroq, StatusCode: apiErr.HTTPStatusCode, Err: errors.New(apiErr.Message)}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &BackendError{Backend: BackendGroq, StatusCode: reqErr.HTTPStatusCode, Err: reqErr.Err}
	}

	return &BackendError{Backend: BackendGroq, Err: err}
}

// segmentIndex returns the index of the segment containing the offset.
func segmentIndex(segments []Segment, offset float64) int {
	for i, s := range segments {
		if offset >= s.Start && offset < s.End {
			return i
		}
	}

	if n := len(segments); n > 0 && offset >= segments[n-1].Start {
		return n - 1
	}

	return -1
}

var languageCodes = map[string]string{
	"english":    "en",
	"german":     "de",
	"french":     "fr",
	"spanish":    "es",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"polish":     "pl",
	"russian":    "ru",
	"japanese":   "ja",
	"chinese":    "zh",
	"korean":     "ko",
	"vietnamese": "vi",
}

// languageCode maps the language names some hosted APIs report to ISO 639-1 codes.
func languageCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	return lang
}
