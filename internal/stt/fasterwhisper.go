package stt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

//go:embed assets/fasterwhisper_worker.py
var workerScript []byte

var _ Backend = &FasterWhisper{}

var errPoolClosed = errors.New("worker pool closed")

// FasterWhisperConfig configures the local CTranslate2 backend.
type FasterWhisperConfig struct {
	// ModelPath is a local model directory or a model size such as "base.en".
	ModelPath   string
	Device      string
	ComputeType string
	CPUThreads  int
	// Workers is the number of model instances, each loaded once into its own process.
	Workers int
	// Python is the interpreter running the worker script.
	Python string
	// Script overrides the embedded worker script.
	Script       string
	StartTimeout time.Duration
}

// FasterWhisper dispatches transcriptions to a pool of worker processes.
// Requests queue until a worker is idle.
type FasterWhisper struct {
	cfg        FasterWhisperConfig
	scriptPath string
	cleanup    func()
	idle       chan *worker
	closed     chan struct{}
	closeOnce  sync.Once
	stateMutex sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	seq        int
	mutex      sync.Mutex
	info       ModelInfo
}

// NewFasterWhisper starts all workers and waits until every one has loaded the model.
func NewFasterWhisper(ctx context.Context, cfg FasterWhisperConfig) (*FasterWhisper, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("%s: model path is required", BackendFasterWhisper)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CPUThreads <= 0 {
		cfg.CPUThreads = min(runtime.NumCPU(), 4)
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	if cfg.ComputeType == "" {
		cfg.ComputeType = "auto"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Minute
	}

	p := &FasterWhisper{
		cfg:     cfg,
		idle:    make(chan *worker, cfg.Workers),
		closed:  make(chan struct{}),
		cleanup: func() {},
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.scriptPath = cfg.Script
	if p.scriptPath == "" {
		dir, err := os.MkdirTemp("", "faster-whisper-worker-")
		if err != nil {
			return nil, fmt.Errorf("%s: create script dir: %w", BackendFasterWhisper, err)
		}

		p.scriptPath = filepath.Join(dir, "worker.py")
		p.cleanup = func() { _ = os.RemoveAll(dir) }

		if err := os.WriteFile(p.scriptPath, workerScript, 0o600); err != nil {
			p.cleanup()
			return nil, fmt.Errorf("%s: write worker script: %w", BackendFasterWhisper, err)
		}
	}

	slog.Info(fmt.Sprintf("loading %s model %s into %d worker(s)", BackendFasterWhisper, cfg.ModelPath, cfg.Workers))

	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	workers := make([]*worker, cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	for i := range workers {
		id := p.nextID()
		g.Go(func() error {
			w, err := startWorker(gctx, id, cfg.Python, p.workerArgs())
			if err != nil {
				return err
			}

			workers[i] = w

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.stop(0)
			}
		}

		p.cleanup()
		p.cancel()

		return nil, fmt.Errorf("%s: %w", BackendFasterWhisper, err)
	}

	var modelLoad time.Duration

	for _, w := range workers {
		modelLoad = max(modelLoad, w.loadTime)
		p.idle <- w
	}

	p.info = ModelInfo{
		Backend:      BackendFasterWhisper,
		CurrentModel: cfg.ModelPath,
		AvailableModels: []string{
			"tiny", "tiny.en",
			"base", "base.en",
			"small", "small.en",
			"medium", "medium.en",
			"large-v1", "large-v2", "large-v3",
		},
		Device:      workers[0].device,
		ComputeType: workers[0].computeType,
		ModelLoad:   modelLoad,
	}

	slog.Info(fmt.Sprintf("%s model loaded in %s", BackendFasterWhisper, modelLoad.Round(time.Millisecond)))

	return p, nil
}

func (p *FasterWhisper) workerArgs() []string {
	return []string{
		p.scriptPath,
		"--model", p.cfg.ModelPath,
		"--device", p.cfg.Device,
		"--compute-type", p.cfg.ComputeType,
		"--cpu-threads", strconv.Itoa(p.cfg.CPUThreads),
	}
}

func (p *FasterWhisper) nextID() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.seq++

	return p.seq
}

func (p *FasterWhisper) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	var w *worker

	select {
	case w = <-p.idle:
	case <-p.closed:
		return Result{}, &BackendError{Backend: BackendFasterWhisper, Err: errPoolClosed}
	case <-ctx.Done():
		return Result{}, &BackendError{Backend: BackendFasterWhisper, Err: fmt.Errorf("wait for idle worker: %w", ctx.Err())}
	}

	resp, err := w.call(ctx, &workerRequest{
		Audio:          audioPath,
		Language:       opts.Language,
		BeamSize:       opts.BeamSize,
		Temperature:    opts.Temperature,
		Prompt:         opts.Prompt,
		WordTimestamps: true,
	})
	if err != nil {
		if errors.Is(err, errWorkerBroken) {
			p.replace(w)
		} else {
			p.release(w)
		}

		return Result{}, &BackendError{Backend: BackendFasterWhisper, Err: err}
	}

	p.release(w)

	if resp.Error != "" {
		return Result{}, &BackendError{Backend: BackendFasterWhisper, Err: errors.New(resp.Error)}
	}

	result := Result{
		Text:                resp.Text,
		Language:            resp.Language,
		LanguageProbability: resp.LanguageProbability,
		Duration:            time.Duration(resp.Duration * float64(time.Second)),
		Segments:            resp.Segments,
		Timings:             make(map[string]time.Duration, len(resp.Timings)),
	}

	for k, v := range resp.Timings {
		result.Timings[k] = time.Duration(v * float64(time.Second))
	}

	return result, nil
}

func (p *FasterWhisper) release(w *worker) {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	select {
	case <-p.closed:
		go w.stop(2 * time.Second)
	default:
		p.idle <- w
	}
}

// replace starts a new worker in the background for a broken one.
func (p *FasterWhisper) replace(w *worker) {
	slog.Warn(fmt.Sprintf("%s: replacing worker %d", BackendFasterWhisper, w.id))

	w.stop(0)

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		backoff := time.Second

		for {
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.StartTimeout)
			nw, err := startWorker(ctx, p.nextID(), p.cfg.Python, p.workerArgs())
			cancel()

			if err == nil {
				p.release(nw)
				return
			}

			slog.Error(fmt.Sprintf("%s: restart worker: %s", BackendFasterWhisper, err))

			select {
			case <-p.closed:
				return
			case <-time.After(backoff):
			}

			backoff = min(2*backoff, time.Minute)
		}
	}()
}

func (p *FasterWhisper) Info() ModelInfo {
	return p.info
}

// Close stops idle workers. Busy workers stop once their request completes.
func (p *FasterWhisper) Close() error {
	p.closeOnce.Do(func() {
		p.stateMutex.Lock()
		close(p.closed)
		p.stateMutex.Unlock()

		p.cancel()
		p.wg.Wait()

		for {
			select {
			case w := <-p.idle:
				w.stop(2 * time.Second)
			default:
				p.cleanup()
				return
			}
		}
	})

	return nil
}
