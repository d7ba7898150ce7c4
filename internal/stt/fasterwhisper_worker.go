package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

type workerRequest struct {
	Audio          string   `json:"audio"`
	Language       string   `json:"language,omitempty"`
	BeamSize       int      `json:"beam_size,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	WordTimestamps bool     `json:"word_timestamps"`
}

type workerResponse struct {
	Ready               *bool              `json:"ready,omitempty"`
	LoadSeconds         float64            `json:"load_seconds,omitempty"`
	Device              string             `json:"device,omitempty"`
	ComputeType         string             `json:"compute_type,omitempty"`
	Error               string             `json:"error,omitempty"`
	Text                string             `json:"text"`
	Language            string             `json:"language,omitempty"`
	LanguageProbability float64            `json:"language_probability,omitempty"`
	Duration            float64            `json:"duration,omitempty"`
	Segments            []Segment          `json:"segments,omitempty"`
	Timings             map[string]float64 `json:"timings,omitempty"`
}

// errWorkerBroken marks failures after which the worker process cannot be reused.
var errWorkerBroken = errors.New("worker process broken")

// worker is a long-running helper process holding one loaded model.
// It serves one request at a time.
type worker struct {
	id          int
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      *bufio.Reader
	loadTime    time.Duration
	device      string
	computeType string
	once        sync.Once
}

func startWorker(ctx context.Context, id int, command string, args []string) (*worker, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("worker %d: start %s: %w", id, command, err)
	}

	w := &worker{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
	}

	go w.logStderr(stderr)

	ready, err := w.call(ctx, nil)
	if err != nil {
		w.stop(0)
		return nil, fmt.Errorf("worker %d: wait for model: %w", id, err)
	}

	if ready.Ready == nil || !*ready.Ready {
		w.stop(0)
		return nil, fmt.Errorf("worker %d: %s", id, ready.Error)
	}

	w.loadTime = time.Duration(ready.LoadSeconds * float64(time.Second))
	w.device = ready.Device
	w.computeType = ready.ComputeType

	return w, nil
}

// call sends the request (if any) and waits for the next response line.
// When the context ends first the process is killed.
func (w *worker) call(ctx context.Context, req *workerRequest) (workerResponse, error) {
	type result struct {
		resp workerResponse
		err  error
	}

	ch := make(chan result, 1)

	go func() {
		resp, err := w.roundTrip(req)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		w.stop(0)
		<-ch
		return workerResponse{}, fmt.Errorf("%w: %w", errWorkerBroken, ctx.Err())
	}
}

func (w *worker) roundTrip(req *workerRequest) (workerResponse, error) {
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return workerResponse{}, fmt.Errorf("marshal worker request: %w", err)
		}

		if _, err := w.stdin.Write(append(b, '\n')); err != nil {
			return workerResponse{}, fmt.Errorf("%w: write request: %w", errWorkerBroken, err)
		}
	}

	for {
		line, err := w.stdout.ReadBytes('\n')
		if err != nil {
			return workerResponse{}, fmt.Errorf("%w: read response: %w", errWorkerBroken, err)
		}

		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 {
			continue
		}

		var resp workerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return workerResponse{}, fmt.Errorf("%w: unmarshal response: %w", errWorkerBroken, err)
		}

		return resp, nil
	}
}

func (w *worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			slog.Debug(line, "worker", strconv.Itoa(w.id))
		}
	}
}

// stop closes stdin and waits up to grace for the process to exit before killing it.
func (w *worker) stop(grace time.Duration) {
	w.once.Do(func() {
		_ = w.stdin.Close()

		done := make(chan struct{})
		go func() {
			_ = w.cmd.Wait()
			close(done)
		}()

		if grace > 0 {
			select {
			case <-done:
				return
			case <-time.After(grace):
			}
		}

		if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug(fmt.Sprintf("kill worker %d: %s", w.id, err))
		}

		<-done
	})
}
