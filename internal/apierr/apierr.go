// Package apierr defines the error taxonomy of §7 and the SCREAMING_CODE
// envelope of §6: every error the core surfaces across a process boundary
// (HTTP response, Stream.last_error, Snapshot/Bookmark.error) is one of
// these codes, carrying a semantic Kind that callers use to decide whether
// to retry.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a semantic error category, not a type name: it tells a caller
// how to react, independent of which specific Code produced it.
type Kind int

const (
	KindAuthorization Kind = iota
	KindValidation
	KindTransientInfra
	KindTransientCamera
	KindPersistentCamera
	KindResource
	KindDeadline
	KindNotFound
	KindConflict
	KindInternal
)

// Code is one of the SCREAMING_CODE identifiers from spec §6.
type Code string

const (
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeInvalidRefreshToken  Code = "INVALID_REFRESH_TOKEN"
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodeInsufficientScope    Code = "INSUFFICIENT_SCOPE"
	CodeResourceNotFound     Code = "RESOURCE_NOT_FOUND"
	CodeStreamNotLive        Code = "STREAM_NOT_LIVE"
	CodeConsumerAlreadyExist Code = "CONSUMER_ALREADY_EXISTS"
	CodeSfuUnavailable       Code = "SFU_UNAVAILABLE"
	CodeSfuOverloaded        Code = "SFU_OVERLOADED"
	CodeSfuDisconnected      Code = "SFU_DISCONNECTED"
	CodeRtspTimeout          Code = "RTSP_TIMEOUT"
	CodeSsrcCaptureFailed    Code = "SSRC_CAPTURE_FAILED"
	CodeRtspConnectionFailed Code = "RTSP_CONNECTION_FAILED"
	CodeTranscoderError      Code = "TRANSCODER_ERROR"
	CodeExtractionTimeout    Code = "EXTRACTION_TIMEOUT"
	CodeNoRecordingData      Code = "NO_RECORDING_DATA"
	CodeDiskFull             Code = "DISK_FULL"
	CodeBacklogged           Code = "BACKLOGGED"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeNoPortsAvailable     Code = "NO_PORTS_AVAILABLE"
	CodeIncompatibleCaps     Code = "INCOMPATIBLE_CAPABILITIES"
	CodeDtlsFailed           Code = "DTLS_FAILED"
	CodeSourceStreamGone     Code = "SOURCE_STREAM_GONE"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is the typed error every component returns across a boundary.
type Error struct {
	Code       Code
	Kind       Kind
	Message    string
	Details    map[string]interface{}
	StatusCode int
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with the given code/kind/HTTP status and message.
func New(code Code, kind Kind, status int, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message, StatusCode: status}
}

// Wrap attaches cause to a new Error of the given code/kind/status,
// preserving the original error via %w semantics through Unwrap.
func Wrap(code Code, kind Kind, status int, message string, cause error) *Error {
	return &Error{Code: code, Kind: kind, Message: message, StatusCode: status, cause: cause}
}

// WithDetails attaches structured detail fields (e.g. current_state,
// retry_after_seconds), which Envelope returns under the error body's
// "details" field.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Envelope renders the §6 error body: the SCREAMING_CODE, a human message,
// and any detail fields (e.g. stream_id, current_state) nested under
// "details".
func (e *Error) Envelope() map[string]interface{} {
	env := map[string]interface{}{
		"error":   string(e.Code),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		env["details"] = e.Details
	}
	return env
}

// As reports whether err (or something it wraps) is an *Error, and if so
// returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Common constructors for the most frequently raised codes.

func NotFound(resource string) *Error {
	return New(CodeResourceNotFound, KindNotFound, http.StatusNotFound,
		fmt.Sprintf("%s not found", resource))
}

func Validation(message string) *Error {
	return New(CodeValidationError, KindValidation, http.StatusBadRequest, message)
}

func StreamNotLive(streamID, currentState string) *Error {
	return New(CodeStreamNotLive, KindValidation, http.StatusConflict,
		"stream is not in LIVE state").WithDetails(map[string]interface{}{
		"stream_id":      streamID,
		"current_state":  currentState,
		"required_state": "live",
	})
}

func Internal(cause error) *Error {
	return Wrap(CodeInternal, KindInternal, http.StatusInternalServerError, "internal server error", cause)
}
