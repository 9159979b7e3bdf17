package hlsf

import "fmt"

// ErrorKind tags a CoreError with a coarse failure category.
type ErrorKind string

const (
	// KindInvalidToken covers InvalidToken/InvalidPrompt: inputs rejected
	// before any side effect.
	KindInvalidToken ErrorKind = "invalid_token"

	// KindParseFailed: an LLM response was not interpretable as a record.
	KindParseFailed ErrorKind = "parse_failed"

	// KindNetworkOffline: the Adjacency Fetcher's LLM collaborator rejected
	// its credentials, or kept failing until the retries were exhausted.
	// An unreachable network yields an offline record with no error.
	KindNetworkOffline ErrorKind = "network_offline"

	// KindQuotaExceeded: a durable store write fell back to the in-memory
	// overlay.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindAbort: cancellation was observed.
	KindAbort ErrorKind = "abort"

	// KindInvalidManifest: the Remote Chunk Store refused to enter ready state.
	KindInvalidManifest ErrorKind = "invalid_manifest"

	// KindInvalidChunk: a chunk file failed structural validation.
	KindInvalidChunk ErrorKind = "invalid_chunk"

	// KindBudgetExhausted: a soft cap drained the Recursive Expander queue.
	KindBudgetExhausted ErrorKind = "budget_exhausted"
)

// CoreError is the tagged-variant error type used across the engine. Kind
// lets callers branch on failure category without string matching.
type CoreError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewCoreError builds a CoreError with no wrapped cause.
func NewCoreError(kind ErrorKind, msg string) *CoreError {
	return &CoreError{Kind: kind, Msg: msg}
}

// WrapCoreError builds a CoreError wrapping an underlying cause.
func WrapCoreError(kind ErrorKind, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Kind == kind
}

// ErrAbort is the sentinel cancellation error: observing a cancel signal
// always returns exactly this value wrapped in a CoreError of KindAbort.
var ErrAbort = NewCoreError(KindAbort, "operation aborted")
