// Package transcription runs the upload pipeline: validate, normalize, transcribe, clean up.
package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mgoltzsche/transcription-server/internal/audio"
	"github.com/mgoltzsche/transcription-server/internal/stt"
)

const DefaultLanguage = "en"

// Normalizer converts an upload into a file the backend can read.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, filename string) (*audio.NormalizedAudio, time.Duration, error)
}

// Recorder receives the outcome of every request.
type Recorder interface {
	ObserveRequest(backend, outcome string, stages map[string]float64)
	ObserveAnomaly(backend, anomaly string)
}

// UploadedAudio is an upload as received by a transport.
type UploadedAudio struct {
	Filename string
	Data     []byte
}

// Options tune a single request.
type Options struct {
	stt.Options
	IncludeMetrics bool
}

// ResponsePayload is the result of a successful request.
type ResponsePayload struct {
	Text                string        `json:"text"`
	Language            string        `json:"language"`
	LanguageProbability float64       `json:"language_probability,omitempty"`
	Duration            float64       `json:"duration,omitempty"`
	TotalMS             int64         `json:"total_ms"`
	PreprocessingMS     int64         `json:"preprocessing_ms"`
	ModelInferenceMS    int64         `json:"model_inference_ms"`
	Segments            []stt.Segment `json:"segments,omitempty"`
	Metrics             *StageMetrics `json:"metrics,omitempty"`
}

// Service handles uploads using a long-lived backend.
// It holds no per-request state and is safe for concurrent use.
type Service struct {
	Normalizer        Normalizer
	Backend           stt.Backend
	DefaultLanguage   string
	BeamSize          int
	PreprocessTimeout time.Duration
	InferenceTimeout  time.Duration
	IncludeMetrics    bool
	Recorder          Recorder

	closers []any
}

// HandleUpload transcribes one upload.
// Temporary files created for the request are removed before it returns, regardless of the outcome.
func (s *Service) HandleUpload(ctx context.Context, upload UploadedAudio, opts Options) (ResponsePayload, error) {
	start := time.Now()

	requestID := RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	info := s.Backend.Info()
	logger := slog.With("request_id", requestID, "filename", upload.Filename, "backend", info.Backend)
	m := newStageMetrics(info.ModelLoad)

	t := time.Now()
	valid := audio.IsValidFormat(upload.Filename)
	m.Stages[StageValidation] = time.Since(t)

	if !valid {
		return ResponsePayload{}, s.fail(logger, info.Backend, m, start, validationError(upload.Filename))
	}

	preprocessCtx, cancel := withTimeout(ctx, s.PreprocessTimeout)
	normalized, elapsed, err := s.Normalizer.Normalize(preprocessCtx, upload.Data, upload.Filename)
	cancel()

	m.Stages[StagePreprocessing] = elapsed

	if err != nil {
		return ResponsePayload{}, s.fail(logger, info.Backend, m, start, preprocessingError(err))
	}

	released := false
	release := func() {
		if released {
			return
		}

		released = true

		d, err := normalized.Release()
		m.Stages[StageCleanup] = d

		if err != nil {
			logger.Warn(fmt.Sprintf("failed to clean up temp dir %s: %s", normalized.Dir(), err))
		}
	}
	defer release()

	logger.Debug(fmt.Sprintf("normalized %d bytes into %s in %s", len(upload.Data), normalized.Path, elapsed))

	backendOpts := opts.Options
	if backendOpts.BeamSize == 0 {
		backendOpts.BeamSize = s.BeamSize
	}

	inferenceCtx, cancel := withTimeout(ctx, s.InferenceTimeout)
	t = time.Now()
	result, err := s.Backend.Transcribe(inferenceCtx, normalized.Path, backendOpts)
	m.Stages[StageModelInference] = time.Since(t)
	cancel()

	if err != nil {
		release()
		return ResponsePayload{}, s.fail(logger, info.Backend, m, start, backendError(err))
	}

	m.mergeSubStages(result.Timings)
	release()
	m.finish(time.Since(start))
	s.record(logger, info.Backend, "success", m)

	payload := ResponsePayload{
		Text:                strings.TrimSpace(result.Text),
		Language:            s.language(result.Language),
		LanguageProbability: result.LanguageProbability,
		Duration:            result.Duration.Seconds(),
		TotalMS:             milliseconds(m.Stages[StageTotal]),
		PreprocessingMS:     milliseconds(m.Stages[StagePreprocessing]),
		ModelInferenceMS:    milliseconds(m.Stages[StageModelInference]),
		Segments:            result.Segments,
	}

	if payload.Duration == 0 {
		payload.Duration = normalized.Duration.Seconds()
	}

	if opts.IncludeMetrics || s.IncludeMetrics {
		payload.Metrics = m
	}

	logger.Info(fmt.Sprintf("transcription completed in %dms", payload.TotalMS))

	return payload, nil
}

func (s *Service) fail(logger *slog.Logger, backend string, m *StageMetrics, start time.Time, err error) error {
	m.finish(time.Since(start))

	kind := KindOf(err)

	if kind == KindValidation {
		logger.Warn(fmt.Sprintf("rejected upload: %s", err))
	} else {
		logger.Error(fmt.Sprintf("transcription failed: %s", err), "kind", kind)
	}

	s.record(logger, backend, string(kind), m)

	return err
}

func (s *Service) record(logger *slog.Logger, backend, outcome string, m *StageMetrics) {
	for _, a := range m.Anomalies {
		logger.Warn(fmt.Sprintf("timing anomaly detected: %s", a), "metrics", m.Seconds())
	}

	if s.Recorder == nil {
		return
	}

	s.Recorder.ObserveRequest(backend, outcome, m.Seconds())

	for _, a := range m.Anomalies {
		s.Recorder.ObserveAnomaly(backend, a)
	}
}

func (s *Service) language(detected string) string {
	if detected != "" {
		return detected
	}

	if s.DefaultLanguage != "" {
		return s.DefaultLanguage
	}

	return DefaultLanguage
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

func supportedFormatsList() string {
	return strings.Join(audio.SupportedFormats(), ", ")
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request ID used in log records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored in the context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
