package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/mgoltzsche/transcription-server/internal/stt"
	"github.com/mgoltzsche/transcription-server/internal/transcription"
)

const requestIDHeader = "X-Request-Id"

// Transcriber handles a single upload.
type Transcriber interface {
	HandleUpload(ctx context.Context, upload transcription.UploadedAudio, opts transcription.Options) (transcription.ResponsePayload, error)
}

type Config struct {
	MaxUploadBytes int64
	CORSOrigins    []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type modelsResponse struct {
	stt.ModelInfo
	ModelLoadSeconds float64  `json:"model_load_seconds"`
	Alternatives     []string `json:"alternatives"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func AddRoutes(mux *http.ServeMux, svc Transcriber, info stt.ModelInfo, cfg Config) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /models", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, modelsResponse{
			ModelInfo:        info,
			ModelLoadSeconds: info.ModelLoad.Seconds(),
			Alternatives: slices.DeleteFunc(stt.Backends(), func(b string) bool {
				return b == info.Backend
			}),
		})
	})

	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, req *http.Request) {
		handleUpload(w, req, svc, cfg.MaxUploadBytes)
	})

	mux.HandleFunc("GET /transcribe/ws", func(w http.ResponseWriter, req *http.Request) {
		handleWebsocket(w, req, svc, cfg)
	})

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
}

// WithMiddleware adds request IDs and CORS handling.
func WithMiddleware(h http.Handler, cfg Config) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})

	return c.Handler(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, id)

		h.ServeHTTP(w, req.WithContext(transcription.WithRequestID(req.Context(), id)))
	}))
}

func handleUpload(w http.ResponseWriter, req *http.Request, svc Transcriber, maxBytes int64) {
	if maxBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, maxBytes)
	}

	err := req.ParseMultipartForm(32 << 20)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, req, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds the limit of %d MB", maxBytes>>20))
			return
		}

		writeError(w, req, http.StatusBadRequest, fmt.Errorf("read multipart form: %w", err))
		return
	}
	defer req.MultipartForm.RemoveAll()

	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, req, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, req, http.StatusBadRequest, errors.New("no filename provided"))
		return
	}

	opts, err := parseOptions(req.FormValue)
	if err != nil {
		writeError(w, req, http.StatusBadRequest, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, req, http.StatusBadRequest, fmt.Errorf("read uploaded file: %w", err))
		return
	}

	slog.Info(fmt.Sprintf("received transcription request for %s", header.Filename), "request_id", transcription.RequestID(req.Context()))

	payload, err := svc.HandleUpload(req.Context(), transcription.UploadedAudio{Filename: header.Filename, Data: data}, opts)
	if err != nil {
		writeError(w, req, statusCode(err), err)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// parseOptions reads the optional tuning fields of a request.
func parseOptions(value func(string) string) (transcription.Options, error) {
	var opts transcription.Options

	if v := value("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil || t < 0 || t > 1 {
			return opts, fmt.Errorf("invalid temperature %q provided, expected a number between 0 and 1", v)
		}

		temperature := float32(t)
		opts.Temperature = &temperature
	}

	if v := value("beam_size"); v != "" {
		beamSize, err := strconv.Atoi(v)
		if err != nil || beamSize < 1 {
			return opts, fmt.Errorf("invalid beam_size %q provided, expected a positive integer", v)
		}

		opts.BeamSize = beamSize
	}

	if v := value("metrics"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid metrics flag %q provided: %w", v, err)
		}

		opts.IncludeMetrics = include
	}

	opts.Language = value("language")
	opts.Prompt = value("prompt")

	return opts, nil
}

func statusCode(err error) int {
	switch transcription.KindOf(err) {
	case transcription.KindValidation:
		return http.StatusBadRequest
	case transcription.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, req *http.Request, status int, err error) {
	if status >= 500 {
		slog.Error(err.Error(), "request_id", transcription.RequestID(req.Context()), "status", status)
	} else {
		slog.Warn(err.Error(), "request_id", transcription.RequestID(req.Context()), "status", status)
	}

	writeJSON(w, status, errorResponse{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Warn(fmt.Sprintf("failed to write response: %s", err))
	}
}
