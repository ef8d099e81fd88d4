// Package fault defines the closed set of failure kinds surfaced by the
// ingestion pipeline, each with a stable numeric domain code.
package fault

import (
	"errors"
	"fmt"
)

// Kind discriminates pipeline failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoMatchingParser
	KindNoEntity
	KindMalformedPayload
	KindValidationFailed
	KindCommitFailed
	KindSnapshotFailed
)

func (k Kind) String() string {
	switch k {
	case KindNoMatchingParser:
		return "NoMatchingParser"
	case KindNoEntity:
		return "NoEntity"
	case KindMalformedPayload:
		return "MalformedPayload"
	case KindValidationFailed:
		return "ValidationFailed"
	case KindCommitFailed:
		return "CommitFailed"
	case KindSnapshotFailed:
		return "SnapshotFailed"
	}
	return "Unknown"
}

// Code returns the default domain code for the kind. Store backends may
// override the code for the store kinds when constructing an Error.
func (k Kind) Code() int {
	switch k {
	case KindNoMatchingParser, KindNoEntity:
		return 404
	case KindMalformedPayload:
		return 500
	case KindValidationFailed:
		return 422
	case KindCommitFailed:
		return 409
	case KindSnapshotFailed:
		return 500
	}
	return 500
}

// Error is a pipeline failure. It is constructed where the failure happens
// and never shared between runs.
type Error struct {
	Kind  Kind
	Code  int
	Stage string
	Msg   string
	Err   error
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: kind.Code(), Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: kind.Code(), Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithCode returns e with its domain code replaced.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err != nil {
		// a stage wrapper around an error of the same kind
		var inner *Error
		if errors.As(e.Err, &inner) && inner.Kind == e.Kind {
			return e.Stage + ": " + e.Err.Error()
		}
	}
	s := e.Kind.String()
	if e.Stage != "" {
		s = e.Stage + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against another *Error by kind, so
// errors.Is(err, &fault.Error{Kind: fault.KindCommitFailed}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithStage attaches stage context to err. Errors that are not *Error are
// wrapped as kind k. A wrapped *Error keeps its kind and code and the whole
// chain above it.
func WithStage(err error, stage string, k Kind) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		switch {
		case fe.Stage != "":
			return err
		case err == error(fe):
			cp := *fe
			cp.Stage = stage
			return &cp
		}
		return &Error{Kind: fe.Kind, Code: fe.Code, Stage: stage, Err: err}
	}
	return &Error{Kind: k, Code: k.Code(), Stage: stage, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CodeOf returns the domain code of err, 500 for foreign errors.
func CodeOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return 500
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
