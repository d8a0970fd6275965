package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/snarg/conjunx/internal/archive"
	"github.com/snarg/conjunx/internal/voicelines"
)

var (
	ErrQueueFull   = errors.New("render queue is full")
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// IOError reports a missing or unreadable input, or a failed output write.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("io %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// EncodeError reports a failed subclip extraction or concatenation.
type EncodeError struct {
	Op  string // "subclip" or "concat"
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// IsClientError reports whether err was caused by the request rather than the server.
func IsClientError(err error) bool {
	var pe *voicelines.ParseError
	var ue *voicelines.UnmatchedPhraseError
	return errors.As(err, &pe) ||
		errors.As(err, &ue) ||
		errors.Is(err, voicelines.ErrEmptyDictate) ||
		errors.Is(err, archive.ErrInvalidArchive)
}

// Error codes reported in snapshots and HTTP error bodies.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeUnmatchedPhrase = "UNMATCHED_PHRASE"
	CodeEmptyDictate    = "EMPTY_DICTATE"
	CodeInvalidArchive  = "INVALID_ARCHIVE"
	CodeIOError         = "IO_ERROR"
	CodeEncodeError     = "ENCODE_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the Code constants. nil maps to "".
func ErrorCode(err error) string {
	var (
		pe *voicelines.ParseError
		ue *voicelines.UnmatchedPhraseError
		ie *IOError
		ee *EncodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return CodeParseError
	case errors.As(err, &ue):
		return CodeUnmatchedPhrase
	case errors.Is(err, voicelines.ErrEmptyDictate):
		return CodeEmptyDictate
	case errors.Is(err, archive.ErrInvalidArchive):
		return CodeInvalidArchive
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.As(err, &ee):
		return CodeEncodeError
	case errors.As(err, &ie):
		return CodeIOError
	default:
		return CodeInternal
	}
}

// UserMessage returns the message shown to API callers for err.
func UserMessage(err error) string {
	switch ErrorCode(err) {
	case CodeUnmatchedPhrase:
		return "requested words are not available in any loaded transcript"
	case CodeEmptyDictate:
		return "dictate is empty"
	case CodeParseError:
		return "transcript could not be parsed"
	case CodeInvalidArchive:
		return "archive is invalid"
	case CodeTimeout:
		return "render timed out"
	case CodeCanceled:
		return "render canceled"
	case CodeIOError:
		return "source media could not be read"
	case CodeEncodeError:
		return "video encoding failed"
	default:
		return "internal error"
	}
}
