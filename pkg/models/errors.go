package models

import "fmt"

// Kind classifies a failure the way the Retry Controller needs to: enough
// to decide whether to retry, wait for connectivity, or surface fatally.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindHTTPTransient  Kind = "http_transient"
	KindHTTPClient     Kind = "http_client"
	KindAuth           Kind = "auth"
	KindValidation     Kind = "validation"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindMergeError     Kind = "merge_error"
	KindDataCorruption Kind = "data_corruption"
	KindWorkerError    Kind = "worker_error"
	KindCancelled      Kind = "cancelled"
)

// EngineError wraps a cause with a classification kind and optional HTTP
// status / Retry-After hint, so the Retry Controller never has to
// re-derive them from a bare error string.
type EngineError struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter int // seconds, 0 if absent
	Cause      error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewEngineError builds an EngineError of the given kind wrapping cause.
func NewEngineError(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *EngineError, otherwise returns KindNetwork as the conservative default
// (unknown transport failures are treated as retryable network errors).
func KindOf(err error) Kind {
	var ee *EngineError
	if asEngineError(err, &ee) {
		return ee.Kind
	}
	return KindNetwork
}

func asEngineError(err error, target **EngineError) bool {
	for err != nil {
		if ee, ok := err.(*EngineError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
