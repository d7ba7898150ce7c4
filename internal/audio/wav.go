package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// WaveInfo describes the PCM layout of a WAV file.
type WaveInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// InspectWave reads the RIFF headers of a WAV file.
func InspectWave(path string) (WaveInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WaveInfo{}, fmt.Errorf("open wave file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)

	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return WaveInfo{}, fmt.Errorf("read wave file headers: %w", err)
	}

	if decoder.SampleRate == 0 || decoder.NumChans == 0 {
		return WaveInfo{}, fmt.Errorf("read wave file headers: not a valid wave file")
	}

	duration, err := decoder.Duration()
	if err != nil {
		return WaveInfo{}, fmt.Errorf("get audio duration from wave headers: %w", err)
	}

	return WaveInfo{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
		Duration:   duration,
	}, nil
}

// Silence returns a 16 bit mono WAV file of the given length.
func Silence(sampleRate int, duration time.Duration) ([]byte, error) {
	return encodeWave(sampleRate, make([]int, sampleCount(sampleRate, duration)))
}

// Tone returns a 16 bit mono WAV file containing a sine wave.
func Tone(sampleRate int, frequency float64, duration time.Duration) ([]byte, error) {
	data := make([]int, sampleCount(sampleRate, duration))
	for i := range data {
		phase := frequency * float64(i) / float64(sampleRate)

		data[i] = int(math.Sin(2*math.Pi*phase) * 16383)
	}

	return encodeWave(sampleRate, data)
}

func sampleCount(sampleRate int, duration time.Duration) int {
	return int(math.Ceil(float64(duration) * float64(sampleRate) / float64(time.Second)))
}

func encodeWave(sampleRate int, data []int) ([]byte, error) {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: 1},
		Data:           data,
		SourceBitDepth: 16,
	}

	wavFile := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(wavFile, sampleRate, 16, 1, 1)

	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}

	b, err := io.ReadAll(wavFile.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}

	return b, nil
}
