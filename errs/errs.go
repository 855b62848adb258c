// Package errs provides structured error types and helpers for the relay.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category within the relay pipeline.
type Code string

const (
	// CodeNetwork indicates a transport failure (dial, read, broker disconnect).
	CodeNetwork Code = "network"
	// CodeAuth indicates an authentication or authorization failure.
	CodeAuth Code = "auth"
	// CodeParse indicates a malformed record or a missing required field.
	CodeParse Code = "parse"
	// CodeInvalidConfig indicates invalid configuration provided at startup.
	CodeInvalidConfig Code = "invalid_config"
	// CodeDispatch indicates a failure delivering a notification to the sink.
	CodeDispatch Code = "dispatch"
	// CodeUnavailable indicates the upstream source is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the relay.
type E struct {
	Source      string
	Code        Code
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating component and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:      strings.TrimSpace(source),
		Code:        code,
		Message:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err is an *E carrying the given code.
func IsCode(err error, code Code) bool {
	e, ok := err.(*E)
	return ok && e.Code == code
}
