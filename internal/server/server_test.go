package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mgoltzsche/transcription-server/internal/stt"
	"github.com/mgoltzsche/transcription-server/internal/transcription"
)

type fakeTranscriber struct {
	mutex   sync.Mutex
	uploads []transcription.UploadedAudio
	opts    []transcription.Options
	ids     []string
}

func (f *fakeTranscriber) HandleUpload(ctx context.Context, upload transcription.UploadedAudio, opts transcription.Options) (transcription.ResponsePayload, error) {
	f.mutex.Lock()
	f.uploads = append(f.uploads, upload)
	f.opts = append(f.opts, opts)
	f.ids = append(f.ids, transcription.RequestID(ctx))
	f.mutex.Unlock()

	switch {
	case strings.HasSuffix(upload.Filename, ".txt"):
		return transcription.ResponsePayload{}, &transcription.Error{Kind: transcription.KindValidation, Message: "invalid audio format. Supported formats: mp3"}
	case strings.HasPrefix(upload.Filename, "slow"):
		return transcription.ResponsePayload{}, &transcription.Error{Kind: transcription.KindTimeout, Message: "transcription timed out", Err: context.DeadlineExceeded}
	case strings.HasPrefix(upload.Filename, "broken"):
		return transcription.ResponsePayload{}, &transcription.Error{Kind: transcription.KindBackend, Err: errors.New("model crashed")}
	}

	return transcription.ResponsePayload{Text: "hello " + upload.Filename, Language: "en", TotalMS: 42}, nil
}

func newTestServer(t *testing.T, maxUploadBytes int64) (*httptest.Server, *fakeTranscriber) {
	t.Helper()

	svc := &fakeTranscriber{}
	cfg := Config{
		MaxUploadBytes: maxUploadBytes,
		CORSOrigins:    []string{"https://app.example.com"},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
	}
	info := stt.ModelInfo{Backend: stt.BackendGroq, CurrentModel: "whisper-large-v3", ModelLoad: 1500 * time.Millisecond}

	mux := http.NewServeMux()
	AddRoutes(mux, svc, info, cfg)

	srv := httptest.NewServer(WithMiddleware(mux, cfg))
	t.Cleanup(srv.Close)

	return srv, svc
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}

	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}

	require.NoError(t, w.Close())

	return &b, w.FormDataContentType()
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var obj map[string]any
	err := json.NewDecoder(resp.Body).Decode(&obj)
	require.NoError(t, err)

	return obj
}

func TestRootAndModels(t *testing.T) {
	srv, _ := newTestServer(t, 1<<20)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	require.Equal(t, map[string]any{"status": "ok"}, decode(t, resp))

	resp, err = http.Get(srv.URL + "/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	obj := decode(t, resp)
	require.Equal(t, "groq", obj["backend"])
	require.Equal(t, "whisper-large-v3", obj["current_model"])
	require.Equal(t, 1.5, obj["model_load_seconds"])
	require.Equal(t, []any{"faster-whisper", "transformers"}, obj["alternatives"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTranscribe(t *testing.T) {
	srv, svc := newTestServer(t, 1<<20)

	body, contentType := multipartBody(t, "clip.mp3", []byte("fake mp3"), map[string]string{
		"temperature": "0.2",
		"beam_size":   "3",
		"language":    "de",
		"prompt":      "names",
		"metrics":     "true",
	})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/transcribe", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-Id", "req-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "req-1", resp.Header.Get("X-Request-Id"))

	obj := decode(t, resp)
	require.Equal(t, "hello clip.mp3", obj["text"])
	require.Equal(t, "en", obj["language"])
	require.Equal(t, 42.0, obj["total_ms"])

	require.Len(t, svc.uploads, 1)
	require.Equal(t, []byte("fake mp3"), svc.uploads[0].Data)
	require.Equal(t, "req-1", svc.ids[0])

	opts := svc.opts[0]
	require.NotNil(t, opts.Temperature)
	require.InDelta(t, 0.2, *opts.Temperature, 0.0001)
	require.Equal(t, 3, opts.BeamSize)
	require.Equal(t, "de", opts.Language)
	require.Equal(t, "names", opts.Prompt)
	require.True(t, opts.IncludeMetrics)
}

func TestTranscribeErrors(t *testing.T) {
	srv, _ := newTestServer(t, 1024)

	for _, c := range []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
		status   int
		detail   string
	}{
		{"invalid format", "notes.txt", []byte("text"), nil, http.StatusBadRequest, "Supported formats"},
		{"missing file", "", nil, nil, http.StatusBadRequest, "no file provided"},
		{"invalid temperature", "clip.mp3", []byte("x"), map[string]string{"temperature": "hot"}, http.StatusBadRequest, "invalid temperature"},
		{"invalid beam size", "clip.mp3", []byte("x"), map[string]string{"beam_size": "0"}, http.StatusBadRequest, "invalid beam_size"},
		{"too large", "clip.mp3", bytes.Repeat([]byte("x"), 4096), nil, http.StatusRequestEntityTooLarge, "exceeds the limit"},
		{"timeout", "slow.mp3", []byte("x"), nil, http.StatusGatewayTimeout, "timed out"},
		{"backend failure", "broken.mp3", []byte("x"), nil, http.StatusInternalServerError, "model crashed"},
	} {
		t.Run(c.name, func(t *testing.T) {
			body, contentType := multipartBody(t, c.filename, c.content, c.fields)

			resp, err := http.Post(srv.URL+"/transcribe", contentType, body)
			require.NoError(t, err)
			require.Equal(t, c.status, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			obj := decode(t, resp)
			require.Contains(t, obj["detail"], c.detail)
		})
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, 1024)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/transcribe", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocket(t *testing.T) {
	srv, svc := newTestServer(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/transcribe/ws?language=de", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://app.example.com"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() map[string]any {
		msgType, b, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, msgType)

		var obj map[string]any
		require.NoError(t, json.Unmarshal(b, &obj))

		return obj
	}

	err = conn.Write(ctx, websocket.MessageBinary, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, "hello audio.wav", read()["text"])

	err = conn.Write(ctx, websocket.MessageText, []byte(`{"filename":"second.ogg","beam_size":"2"}`))
	require.NoError(t, err)
	err = conn.Write(ctx, websocket.MessageBinary, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, "hello second.ogg", read()["text"])

	err = conn.Write(ctx, websocket.MessageText, []byte(`{"temperature":"hot"}`))
	require.NoError(t, err)
	obj := read()
	require.Equal(t, 400.0, obj["status"])
	require.Contains(t, obj["detail"], "invalid temperature")

	err = conn.Write(ctx, websocket.MessageText, []byte(`{"filename":"notes.txt"}`))
	require.NoError(t, err)
	err = conn.Write(ctx, websocket.MessageBinary, []byte("text"))
	require.NoError(t, err)
	obj = read()
	require.Equal(t, 400.0, obj["status"])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	svc.mutex.Lock()
	defer svc.mutex.Unlock()
	require.Len(t, svc.uploads, 3)
	require.Equal(t, "de", svc.opts[0].Language)
	require.Equal(t, 2, svc.opts[1].BeamSize)
	require.Nil(t, svc.opts[1].Temperature, "rejected settings must not be applied")
}

func TestOriginPatterns(t *testing.T) {
	require.Equal(t, []string{"*"}, originPatterns([]string{"https://a.example.com", "*"}))
	require.Equal(t, []string{"a.example.com", "localhost:3000"}, originPatterns([]string{"https://a.example.com", "http://localhost:3000"}))
}
