package config

import "flag"

// Flag is a flag.Value that loads the configuration file it is set to.
type Flag struct {
	File   string
	Config *Configuration
	IsSet  bool
}

func (f *Flag) Set(path string) error {
	f.File = path

	cfg, err := FromFile(path)
	if err != nil {
		return err
	}

	*f.Config = cfg
	f.IsSet = true

	return nil
}

func (f *Flag) String() string {
	return f.File
}

// AddFlags binds the configuration fields to command line flags.
func AddFlags(flags *flag.FlagSet, cfg *Configuration) {
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "Transcription backend (faster-whisper, transformers, groq)")
	flags.StringVar(&cfg.ModelPath, "model-path", cfg.ModelPath, "Path or name of the model")
	flags.StringVar(&cfg.Device, "device", cfg.Device, "Device the model runs on (auto, cpu, cuda)")
	flags.StringVar(&cfg.ComputeType, "compute-type", cfg.ComputeType, "Model compute precision (auto, int8, float16, ...)")
	flags.IntVar(&cfg.CPUThreads, "cpu-threads", cfg.CPUThreads, "CPU threads per faster-whisper worker")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of faster-whisper worker processes")
	flags.StringVar(&cfg.PythonPath, "python", cfg.PythonPath, "Python interpreter running the faster-whisper workers")
	flags.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "URL of the OpenAI-compatible server running the transformers model")
	flags.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key of the OpenAI-compatible server")
	flags.StringVar(&cfg.GroqAPIKey, "groq-api-key", cfg.GroqAPIKey, "Groq API key")
	flags.StringVar(&cfg.GroqBaseURL, "groq-base-url", cfg.GroqBaseURL, "Groq API URL")
	flags.StringVar(&cfg.GroqModel, "groq-model", cfg.GroqModel, "Groq model")
	flags.StringVar(&cfg.Preprocessing.Converter, "converter", cfg.Preprocessing.Converter, "Run ffmpeg as local process (exec) or container (docker)")
	flags.StringVar(&cfg.Preprocessing.FFmpegPath, "ffmpeg", cfg.Preprocessing.FFmpegPath, "Path to the ffmpeg executable")
	flags.StringVar(&cfg.Preprocessing.FFmpegImage, "ffmpeg-image", cfg.Preprocessing.FFmpegImage, "ffmpeg container image used by the docker converter")
	flags.StringVar(&cfg.Preprocessing.Codec, "codec", cfg.Preprocessing.Codec, "Codec of the normalized audio (pcm_s16le, flac)")
	flags.StringVar(&cfg.Preprocessing.TempDir, "temp-dir", cfg.Preprocessing.TempDir, "Directory for temporary files (default /dev/shm if writable)")
	flags.Var(&cfg.Preprocessing.Timeout, "preprocess-timeout", "Maximum duration of the audio conversion")
	flags.Var(&cfg.InferenceTimeout, "inference-timeout", "Maximum duration of the transcription")
	flags.Int64Var(&cfg.MaxUploadMB, "max-upload-mb", cfg.MaxUploadMB, "Maximum upload size in MB")
	flags.BoolVar(&cfg.IncludeMetrics, "include-metrics", cfg.IncludeMetrics, "Include stage metrics in every response")
	flags.StringVar(&cfg.DefaultLanguage, "default-language", cfg.DefaultLanguage, "Language reported when the backend does not detect one")
	flags.IntVar(&cfg.BeamSize, "beam-size", cfg.BeamSize, "Default beam size (0 selects the backend default)")
}
