package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgoltzsche/transcription-server/internal/audio"
	"github.com/stretchr/testify/require"
)

func writeTestWave(t *testing.T) string {
	t.Helper()

	b, err := audio.Silence(16000, 500*time.Millisecond)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "processed_speech.wav")
	err = os.WriteFile(file, b, 0o600)
	require.NoError(t, err)

	return file
}

func TestClient(t *testing.T) {
	var fields map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", req.URL.Path)
		require.Equal(t, "Bearer secret", req.Header.Get("Authorization"))

		err := req.ParseMultipartForm(1 << 20)
		require.NoError(t, err)

		fields = map[string]string{}
		for k, v := range req.MultipartForm.Value {
			fields[k] = v[0]
		}

		_, _, err = req.FormFile("file")
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" hello world [BLANK_AUDIO]"}`))
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL + "/", Model: "whisper-base.en", APIKey: "secret"}

	err := c.Warmup(context.Background())
	require.NoError(t, err)
	require.Greater(t, c.Info().ModelLoad, time.Duration(0))

	temperature := float32(0.2)

	result, err := c.Transcribe(context.Background(), writeTestWave(t), Options{
		Language:    "de",
		Temperature: &temperature,
		Prompt:      "greeting",
	})
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
	require.Contains(t, result.Timings, StageModelInference)
	require.Contains(t, result.Timings, StageAudioLoading)
	require.Equal(t, map[string]string{
		"model":           "whisper-base.en",
		"response_format": "json",
		"language":        "de",
		"prompt":          "greeting",
		"temperature":     "0.2",
	}, fields)
}

func TestClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model is loading"}}`))
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL, Model: "whisper-base.en"}

	_, err := c.Transcribe(context.Background(), writeTestWave(t), Options{})
	require.Error(t, err)

	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	require.Equal(t, http.StatusServiceUnavailable, backendErr.StatusCode)
	require.Equal(t, "transformers: transcription failed with status 503: model is loading", err.Error())

	_, err = c.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), Options{})
	require.Error(t, err)
	require.True(t, errors.As(err, &backendErr))
}
