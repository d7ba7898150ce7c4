package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgoltzsche/transcription-server/internal/audio"
	"github.com/mgoltzsche/transcription-server/internal/convert"
	"github.com/mgoltzsche/transcription-server/internal/stt"
)

type fakeBackend struct {
	transcribe func(ctx context.Context, path string, opts stt.Options) (stt.Result, error)
	mutex      sync.Mutex
	paths      []string
}

func (b *fakeBackend) Transcribe(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
	b.mutex.Lock()
	b.paths = append(b.paths, path)
	b.mutex.Unlock()

	if _, err := os.Stat(path); err != nil {
		return stt.Result{}, fmt.Errorf("backend cannot read normalized audio: %w", err)
	}

	return b.transcribe(ctx, path, opts)
}

func (b *fakeBackend) Info() stt.ModelInfo {
	return stt.ModelInfo{Backend: "fake", CurrentModel: "fake-model", ModelLoad: 3 * time.Second}
}

func (b *fakeBackend) Close() error {
	return nil
}

func textBackend(text string) *fakeBackend {
	return &fakeBackend{transcribe: func(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return stt.Result{Text: " " + text + " ", Timings: map[string]time.Duration{stt.StageAudioLoading: time.Millisecond}}, nil
	}}
}

type fakeRecorder struct {
	mutex     sync.Mutex
	outcomes  []string
	anomalies []string
	stages    map[string]float64
}

func (r *fakeRecorder) ObserveRequest(backend, outcome string, stages map[string]float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	r.stages = stages
}

func (r *fakeRecorder) ObserveAnomaly(backend, anomaly string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.anomalies = append(r.anomalies, anomaly)
}

func waveConverter(t *testing.T, calls *int) convert.Converter {
	t.Helper()

	wave, err := audio.Tone(16000, 440, 500*time.Millisecond)
	require.NoError(t, err)

	var mutex sync.Mutex

	return convert.ConverterFunc(func(ctx context.Context, input, output string) error {
		mutex.Lock()
		*calls++
		mutex.Unlock()

		return os.WriteFile(output, wave, 0o600)
	})
}

func newTestService(t *testing.T, backend stt.Backend) (*Service, string, *int, *fakeRecorder) {
	t.Helper()

	root := t.TempDir()
	calls := 0
	recorder := &fakeRecorder{}

	return &Service{
		Normalizer: &audio.Normalizer{Converter: waveConverter(t, &calls), TempDir: root},
		Backend:    backend,
		Recorder:   recorder,
	}, root, &calls, recorder
}

func requireNoTempResidue(t *testing.T, root string) {
	t.Helper()

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries, "temp files left behind in %s", root)
}

func TestHandleUploadSuccess(t *testing.T) {
	backend := textBackend("hello world")
	testee, root, calls, recorder := newTestService(t, backend)

	payload, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.mp3", Data: []byte("fake mp3")}, Options{IncludeMetrics: true})
	require.NoError(t, err)
	require.Equal(t, 1, *calls, "converter calls")
	require.Equal(t, "hello world", payload.Text)
	require.Equal(t, "en", payload.Language)
	require.Positive(t, payload.TotalMS)
	require.GreaterOrEqual(t, payload.TotalMS, payload.PreprocessingMS+payload.ModelInferenceMS)
	require.Equal(t, 0.5, payload.Duration, "duration should fall back to the normalized audio")
	requireNoTempResidue(t, root)

	m := payload.Metrics
	require.NotNil(t, m)
	require.Empty(t, m.Anomalies)
	require.Equal(t, 3*time.Second, m.ModelLoad)
	require.Equal(t, time.Millisecond, m.Get(stt.StageAudioLoading))
	require.Contains(t, m.Stages, StageCleanup)
	require.Contains(t, m.Stages, StageOverhead)

	var sum time.Duration
	for _, s := range measuredStages {
		sum += m.Stages[s]
	}
	require.Equal(t, m.Stages[StageTotal], sum+m.Stages[StageOverhead])

	require.Equal(t, []string{"success"}, recorder.outcomes)
	require.Equal(t, 3.0, recorder.stages[StageModelLoad])

	b, err := json.Marshal(payload)
	require.NoError(t, err)

	var obj map[string]any
	err = json.Unmarshal(b, &obj)
	require.NoError(t, err)
	require.Contains(t, obj, "total_ms")
	require.Contains(t, obj, "preprocessing_ms")
	require.Contains(t, obj, "model_inference_ms")
	require.Contains(t, obj["metrics"], "overhead")
	require.NotContains(t, obj["metrics"], "anomalies")
	require.NotContains(t, obj, "segments")
}

func TestHandleUploadOmitsMetricsByDefault(t *testing.T) {
	testee, _, _, _ := newTestService(t, textBackend("hi"))

	payload, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.wav", Data: []byte("x")}, Options{})
	require.NoError(t, err)
	require.Nil(t, payload.Metrics)

	testee.IncludeMetrics = true

	payload, err = testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.wav", Data: []byte("x")}, Options{})
	require.NoError(t, err)
	require.NotNil(t, payload.Metrics)
}

func TestHandleUploadLanguage(t *testing.T) {
	for _, c := range []struct {
		name            string
		detected        string
		defaultLanguage string
		expected        string
	}{
		{"detected", "de", "", "de"},
		{"fallback", "", "", "en"},
		{"configured fallback", "", "fr", "fr"},
	} {
		t.Run(c.name, func(t *testing.T) {
			backend := &fakeBackend{transcribe: func(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
				return stt.Result{Text: "text", Language: c.detected}, nil
			}}
			testee, _, _, _ := newTestService(t, backend)
			testee.DefaultLanguage = c.defaultLanguage

			payload, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "a.ogg", Data: []byte("x")}, Options{})
			require.NoError(t, err)
			require.Equal(t, c.expected, payload.Language)
		})
	}
}

func TestHandleUploadPassesOptions(t *testing.T) {
	var received stt.Options

	backend := &fakeBackend{transcribe: func(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
		received = opts
		return stt.Result{Text: "text"}, nil
	}}
	testee, _, _, _ := newTestService(t, backend)
	testee.BeamSize = 5

	temperature := float32(0.3)
	_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "a.flac", Data: []byte("x")}, Options{Options: stt.Options{Language: "de", Temperature: &temperature, Prompt: "p"}})
	require.NoError(t, err)
	require.Equal(t, stt.Options{Language: "de", Temperature: &temperature, Prompt: "p", BeamSize: 5}, received)

	_, err = testee.HandleUpload(context.Background(), UploadedAudio{Filename: "a.flac", Data: []byte("x")}, Options{Options: stt.Options{BeamSize: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, received.BeamSize)
}

func TestHandleUploadInvalidFormat(t *testing.T) {
	backend := textBackend("unused")
	testee, root, calls, recorder := newTestService(t, backend)

	_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "notes.txt", Data: []byte("text")}, Options{})
	require.Error(t, err)
	require.Equal(t, KindValidation, KindOf(err))
	require.Contains(t, err.Error(), "Supported formats: aac, flac, m4a, mp3, ogg, wav, webm")
	require.Zero(t, *calls, "converter calls")
	require.Empty(t, backend.paths)
	requireNoTempResidue(t, root)
	require.Equal(t, []string{"validation"}, recorder.outcomes)
}

func TestHandleUploadEmptyFile(t *testing.T) {
	testee, root, calls, _ := newTestService(t, textBackend("unused"))

	_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "empty.wav"}, Options{})
	require.Error(t, err)
	require.Equal(t, KindPreprocessing, KindOf(err))
	require.True(t, errors.Is(err, audio.ErrEmptyAudio))

	var perr *audio.PreprocessingError
	require.True(t, errors.As(err, &perr))
	require.Zero(t, *calls, "converter calls")
	requireNoTempResidue(t, root)
}

func TestHandleUploadBackendFailure(t *testing.T) {
	backend := &fakeBackend{transcribe: func(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
		return stt.Result{}, &stt.BackendError{Backend: "fake", Err: errors.New("CUDA out of memory")}
	}}
	testee, root, _, recorder := newTestService(t, backend)

	_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.m4a", Data: []byte("x")}, Options{})
	require.Error(t, err)
	require.Equal(t, KindBackend, KindOf(err))
	require.Contains(t, err.Error(), "CUDA out of memory")
	require.Len(t, backend.paths, 1)
	require.NoFileExists(t, backend.paths[0])
	requireNoTempResidue(t, root)
	require.Equal(t, []string{"backend"}, recorder.outcomes)
}

func TestHandleUploadTimeouts(t *testing.T) {
	blockingBackend := &fakeBackend{transcribe: func(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
		<-ctx.Done()
		return stt.Result{}, &stt.BackendError{Backend: "fake", Err: ctx.Err()}
	}}

	t.Run("inference", func(t *testing.T) {
		testee, root, _, _ := newTestService(t, blockingBackend)
		testee.InferenceTimeout = 50 * time.Millisecond

		_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.webm", Data: []byte("x")}, Options{})
		require.Error(t, err)
		require.Equal(t, KindTimeout, KindOf(err))
		require.True(t, errors.Is(err, context.DeadlineExceeded))
		requireNoTempResidue(t, root)
	})

	t.Run("preprocessing", func(t *testing.T) {
		testee, root, _, _ := newTestService(t, textBackend("unused"))
		testee.PreprocessTimeout = 50 * time.Millisecond
		testee.Normalizer = &audio.Normalizer{
			Converter: convert.ConverterFunc(func(ctx context.Context, input, output string) error {
				<-ctx.Done()
				return fmt.Errorf("wait for converter: %w", ctx.Err())
			}),
			TempDir: root,
		}

		_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.aac", Data: []byte("x")}, Options{})
		require.Error(t, err)
		require.Equal(t, KindTimeout, KindOf(err))
		requireNoTempResidue(t, root)
	})
}

func TestHandleUploadSubStageAnomaly(t *testing.T) {
	backend := &fakeBackend{transcribe: func(ctx context.Context, path string, opts stt.Options) (stt.Result, error) {
		return stt.Result{Text: "text", Timings: map[string]time.Duration{stt.StageDecoding: time.Hour}}, nil
	}}
	testee, _, _, recorder := newTestService(t, backend)

	payload, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: "clip.wav", Data: []byte("x")}, Options{IncludeMetrics: true})
	require.NoError(t, err)
	require.Equal(t, []string{AnomalySubStageExceedsParent}, payload.Metrics.Anomalies)
	require.Equal(t, []string{AnomalySubStageExceedsParent}, recorder.anomalies)
}

func TestHandleUploadConcurrently(t *testing.T) {
	backend := textBackend("concurrent")
	testee, root, calls, _ := newTestService(t, backend)

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testee.HandleUpload(context.Background(), UploadedAudio{Filename: fmt.Sprintf("clip%d.mp3", i), Data: []byte("x")}, Options{})
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 8, *calls)

	seen := map[string]struct{}{}
	for _, p := range backend.paths {
		seen[p] = struct{}{}
	}
	require.Len(t, seen, 8, "requests must not share files")
	requireNoTempResidue(t, root)
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	require.Equal(t, "abc", RequestID(ctx))
	require.Empty(t, RequestID(context.Background()))
}
