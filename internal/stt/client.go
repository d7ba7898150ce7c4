package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mgoltzsche/transcription-server/internal/audio"
)

var _ Backend = &Client{}

type response struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to a local OpenAI-compatible whisper server (e.g. LocalAI)
// that runs the transformer model.
type Client struct {
	URL    string
	Model  string
	APIKey string
	Client *http.Client

	modelLoad time.Duration
}

// Warmup sends a second of silence so that the server loads the model
// before the first real request. The elapsed time is reported as model load time.
func (c *Client) Warmup(ctx context.Context) error {
	silence, err := audio.Silence(16000, time.Second)
	if err != nil {
		return fmt.Errorf("generate warmup audio: %w", err)
	}

	start := time.Now()

	_, err = c.transcribe(ctx, "warmup.wav", bytes.NewReader(silence), Options{})
	if err != nil {
		return fmt.Errorf("warm up %s model %s: %w", BackendTransformers, c.Model, err)
	}

	c.modelLoad = time.Since(start)

	slog.Info(fmt.Sprintf("%s model %s loaded in %s", BackendTransformers, c.Model, c.modelLoad.Round(time.Millisecond)))

	return nil
}

func (c *Client) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	loadStart := time.Now()

	f, err := os.Open(audioPath)
	if err != nil {
		return Result{}, &BackendError{Backend: BackendTransformers, Err: fmt.Errorf("open audio: %w", err)}
	}
	defer f.Close()

	loading := time.Since(loadStart)
	inferenceStart := time.Now()

	resp, err := c.transcribe(ctx, filepath.Base(audioPath), f, opts)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Text:     strings.TrimSpace(strings.TrimSuffix(resp.Text, "[BLANK_AUDIO]")),
		Language: resp.Language,
		Timings: map[string]time.Duration{
			StageAudioLoading:   loading,
			StageModelInference: time.Since(inferenceStart),
		},
	}, nil
}

func (c *Client) transcribe(ctx context.Context, filename string, audioData io.Reader, opts Options) (response, error) {
	var b bytes.Buffer
	multipartWriter := multipart.NewWriter(&b)

	part, err := multipartWriter.CreateFormFile("file", filename)
	if err != nil {
		return response{}, fmt.Errorf("creating multipart form file: %w", err)
	}

	_, err = io.Copy(part, audioData)
	if err != nil {
		return response{}, fmt.Errorf("write data to multipart writer: %w", err)
	}

	fields := map[string]string{
		"model":           c.Model,
		"response_format": "json",
		"language":        opts.Language,
		"prompt":          opts.Prompt,
	}
	if opts.Temperature != nil {
		fields["temperature"] = strconv.FormatFloat(float64(*opts.Temperature), 'f', -1, 32)
	}

	for k, v := range fields {
		if v == "" {
			continue
		}

		err = multipartWriter.WriteField(k, v)
		if err != nil {
			return response{}, fmt.Errorf("write multipart request field: %w", err)
		}
	}

	err = multipartWriter.Close()
	if err != nil {
		return response{}, fmt.Errorf("multipart writer close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.URL, "/")+"/v1/audio/transcriptions", &b)
	if err != nil {
		return response{}, fmt.Errorf("new transcription request: %w", err)
	}

	req.Header.Set("Content-Type", multipartWriter.FormDataContentType())

	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	return c.send(req)
}

func (c *Client) send(request *http.Request) (response, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(request)
	if err != nil {
		return response{}, &BackendError{Backend: BackendTransformers, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, &BackendError{Backend: BackendTransformers, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))

		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}

		return response{}, &BackendError{Backend: BackendTransformers, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	var result response
	err = json.Unmarshal(body, &result)
	if err != nil {
		return response{}, &BackendError{Backend: BackendTransformers, Err: fmt.Errorf("unmarshal body: %w", err)}
	}

	return result, nil
}

func (c *Client) Info() ModelInfo {
	return ModelInfo{
		Backend:         BackendTransformers,
		CurrentModel:    filepath.Base(c.Model),
		AvailableModels: []string{"whisper-base.en"},
		Device:          "server",
		ModelLoad:       c.modelLoad,
	}
}

func (c *Client) Close() error {
	return nil
}
