package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSilence(t *testing.T) {
	b, err := Silence(16000, 500*time.Millisecond)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "silence.wav")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	info, err := InspectWave(path)
	require.NoError(t, err)
	require.Equal(t, WaveInfo{SampleRate: 16000, Channels: 1, BitDepth: 16, Duration: 500 * time.Millisecond}, info)
}

func TestInspectWaveInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wave file"), 0o600))

	_, err := InspectWave(path)
	require.Error(t, err)
}
