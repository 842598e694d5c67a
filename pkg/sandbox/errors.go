package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout is returned when a call exceeds the bridge timeout.
	ErrTimeout = errors.New("sandbox: call timed out")
	// ErrCancelled is returned when the bridge is torn down before a call
	// resolves. It is a recoverable outcome, not a failure of the module.
	ErrCancelled = errors.New("sandbox: call cancelled")
	// ErrNotInitialized is returned for execute/query/refresh before init.
	ErrNotInitialized = errors.New("sandbox: module not initialized")
	// ErrAlreadyInitialized is returned when init is called twice.
	ErrAlreadyInitialized = errors.New("sandbox: module already initialized")
	// ErrForeignMessage is returned when a response is tagged with another
	// ownable's id.
	ErrForeignMessage = errors.New("sandbox: response for another ownable")
)

// Deterministic error codes for sandbox limit violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
	ErrProtocol               = "ERR_PROTOCOL"
)

// SandboxError is a typed error for limit and protocol violations.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RejectionError is a business-rule refusal reported by the module.
type RejectionError struct {
	Method  Method
	Message string
	Cause   json.RawMessage
}

func (e *RejectionError) Error() string {
	if len(e.Cause) > 0 && string(e.Cause) != "null" {
		return fmt.Sprintf("%s rejected: %s (cause: %s)", e.Method, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s rejected: %s", e.Method, e.Message)
}

// Reject builds a RejectionError from a handler. The method is filled in by
// the bridge.
func Reject(message string, cause any) error {
	var raw json.RawMessage
	if cause != nil {
		raw, _ = json.Marshal(cause)
	}
	return &RejectionError{Message: message, Cause: raw}
}

// IsRejection reports whether err is a RejectionError.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
