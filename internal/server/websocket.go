package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/mgoltzsche/transcription-server/internal/transcription"
)

const defaultWebsocketFilename = "audio.wav"

var _ io.Writer = &websocketWriter{}

// websocketWriter sends every Write as one websocket message.
type websocketWriter struct {
	Ctx         context.Context
	Websocket   *websocket.Conn
	MessageType websocket.MessageType
}

func (w *websocketWriter) Write(b []byte) (int, error) {
	err := w.Websocket.Write(w.Ctx, w.MessageType, b)
	if err != nil {
		return 0, err
	}

	return len(b), nil
}

type websocketError struct {
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// handleWebsocket transcribes every binary message as one audio file.
// A text message carrying a JSON object of string fields (filename, language, prompt,
// temperature, beam_size, metrics) changes the settings for the following files.
// Every file is answered with one JSON text message.
func handleWebsocket(w http.ResponseWriter, req *http.Request, svc Transcriber, cfg Config) {
	query := req.URL.Query()

	settings := map[string]string{"filename": defaultWebsocketFilename}
	for k := range query {
		settings[k] = query.Get(k)
	}

	if _, err := parseOptions(lookup(settings)); err != nil {
		writeError(w, req, http.StatusBadRequest, err)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: originPatterns(cfg.CORSOrigins)})
	if err != nil {
		slog.Warn(fmt.Sprintf("accept websocket connection: %s", err))
		return
	}
	defer conn.CloseNow()

	if cfg.MaxUploadBytes > 0 {
		conn.SetReadLimit(cfg.MaxUploadBytes)
	} else {
		conn.SetReadLimit(-1)
	}

	ctx := req.Context()
	logger := slog.With("request_id", transcription.RequestID(ctx))
	encoder := json.NewEncoder(&websocketWriter{Ctx: ctx, Websocket: conn, MessageType: websocket.MessageText})

	logger.Info("accepted websocket connection")

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				logger.Info("websocket connection closed")
				return
			}

			logger.Warn(fmt.Sprintf("read websocket message: %s", err))
			conn.Close(websocket.StatusMessageTooBig, "upload too large or unreadable")

			return
		}

		if msgType == websocket.MessageText {
			err = updateSettings(settings, data)
			if err != nil {
				err = encoder.Encode(websocketError{Detail: err.Error(), Status: http.StatusBadRequest})
				if err != nil {
					logger.Warn(fmt.Sprintf("write websocket message: %s", err))
					return
				}
			}

			continue
		}

		// validated when the settings were changed
		opts, _ := parseOptions(lookup(settings))
		upload := transcription.UploadedAudio{Filename: settings["filename"], Data: data}

		payload, err := svc.HandleUpload(ctx, upload, opts)
		if err != nil {
			err = encoder.Encode(websocketError{Detail: err.Error(), Status: statusCode(err)})
		} else {
			err = encoder.Encode(payload)
		}

		if err != nil {
			logger.Warn(fmt.Sprintf("write websocket message: %s", err))
			return
		}
	}
}

func updateSettings(settings map[string]string, data []byte) error {
	var update map[string]string

	err := json.Unmarshal(data, &update)
	if err != nil {
		return fmt.Errorf("invalid settings message: %w", err)
	}

	merged := make(map[string]string, len(settings)+len(update))
	for k, v := range settings {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}

	if merged["filename"] == "" {
		return errors.New("no filename provided")
	}

	_, err = parseOptions(lookup(merged))
	if err != nil {
		return err
	}

	for k, v := range update {
		settings[k] = v
	}

	return nil
}

func lookup(m map[string]string) func(string) string {
	return func(k string) string {
		return m[k]
	}
}

// originPatterns converts CORS origins into websocket origin host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))

	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}

		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			patterns = append(patterns, o)
			continue
		}

		patterns = append(patterns, u.Host)
	}

	return patterns
}
