package tools

import "fmt"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content re-injected into the transcript
	Summary string `json:"summary,omitempty"`  // one-line rendering for content blocks
	IsError bool   `json:"is_error,omitempty"` // soft failure, reported to the model
	Err     error  `json:"-"`                  // underlying error for classification
}

// NewResult returns a success result.
func NewResult(forLLM string) *Result { return &Result{ForLLM: forLLM} }

// ErrorResult returns a soft failure the model can recover from.
func ErrorResult(message string) *Result { return &Result{ForLLM: message, IsError: true} }

// ErrorResultf formats a soft failure.
func ErrorResultf(format string, args ...any) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}

// WithSummary sets the one-line rendering.
func (r *Result) WithSummary(s string) *Result {
	r.Summary = s
	return r
}

// WithError attaches the underlying error.
func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
