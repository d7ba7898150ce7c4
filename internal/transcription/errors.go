package transcription

import (
	"context"
	"errors"
	"fmt"

	"github.com/mgoltzsche/transcription-server/internal/audio"
)

// Kind classifies a failed request.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindPreprocessing Kind = "preprocessing"
	KindBackend       Kind = "backend"
	KindTimeout       Kind = "timeout"
)

// Error is returned by Service.HandleUpload.
// Validation errors are caused by the client, all other kinds by processing.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a request error or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationError(filename string) error {
	return &Error{
		Kind:    KindValidation,
		Stage:   StageValidation,
		Message: fmt.Sprintf("invalid audio format %q. Supported formats: %s", filename, supportedFormatsList()),
	}
}

func preprocessingError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Stage: StagePreprocessing, Message: "audio preprocessing timed out", Err: err}
	}

	var perr *audio.PreprocessingError
	if errors.As(err, &perr) {
		return &Error{Kind: KindPreprocessing, Stage: StagePreprocessing, Err: err}
	}

	return &Error{Kind: KindPreprocessing, Stage: StagePreprocessing, Message: "audio preprocessing failed", Err: err}
}

func backendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Stage: StageModelInference, Message: "transcription timed out", Err: err}
	}

	return &Error{Kind: KindBackend, Stage: StageModelInference, Err: err}
}
