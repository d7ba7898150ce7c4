package cli

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

func addLogFlags(flags *flag.FlagSet) {
	flags.Var(logLevelFlag("INFO"), "log-level", "set the log level")
	flags.Var(logFormatFlag("text"), "log-format", "set the log format (text or json)")
}

type logLevelFlag string

func (logLevelFlag) Set(s string) error {
	var level slog.Level

	switch s {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return fmt.Errorf("unsupported log level %q provided. supported log levels are DEBUG, INFO, WARN, ERROR", s)
	}

	logLevel.Set(level)
	slog.SetLogLoggerLevel(level)

	return nil
}

func (f logLevelFlag) String() string {
	return string(f)
}

func (f logLevelFlag) Type() string {
	return "LEVEL"
}

type logFormatFlag string

func (logFormatFlag) Set(s string) error {
	switch s {
	case "text":
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	default:
		return fmt.Errorf("unsupported log format %q provided. supported log formats are text, json", s)
	}

	return nil
}

func (f logFormatFlag) String() string {
	return string(f)
}

func (f logFormatFlag) Type() string {
	return "FORMAT"
}
