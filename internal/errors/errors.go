// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (device, session, queue, server)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by mobile clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that mobile clients can rely on for error handling.
const (
	// Device domain - registry and primary election errors
	CodeDeviceNotFound   = "device.not_found"   // Device ID does not exist
	CodeDeviceNotPrimary = "device.not_primary" // Sender is not the session's primary device
	CodeDeviceNoPrimary  = "device.no_primary"  // Session has no primary device (sends rejected)
	CodeTransferInvalid  = "transfer.invalid"   // Ack without a pending transfer

	// Session domain - CLI subprocess and state machine errors
	CodeSessionNotFound    = "session.not_found"    // Session ID does not exist
	CodeSessionKilled      = "session.killed"       // Session already killed
	CodeSessionSpawnFailed = "session.spawn_failed" // Failed to spawn CLI subprocess
	CodeSessionWriteFailed = "session.write_failed" // Failed to write to CLI stdin
	CodeProcessDied        = "session.process_died" // CLI subprocess exited unexpectedly

	// Queue domain - outbound delivery errors
	CodeMessageNotFound = "queue.message_not_found" // Message expired or never existed
	CodeDuplicateSend   = "queue.duplicate_send"    // Inbound send rejected by dedup window

	// Server domain - WebSocket and network errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerHandlerMissing = "server.handler_missing" // No handler for message type
	CodeServerRateLimited    = "server.rate_limited"    // Too many messages per second

	// Auth domain - device token authentication
	CodeAuthRequired = "auth.required" // Authentication required

	// General domain - catch-all for errors without a code of their own
	CodeUnknown = "error.unknown"
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// SessionNotFound creates a "session.not_found" error.
// Killing or clearing a session that does not exist reports this code
// rather than failing the connection.
func SessionNotFound(sessionID string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
}

// DeviceNotFound creates a "device.not_found" error.
func DeviceNotFound(deviceID string) *CodedError {
	return New(CodeDeviceNotFound, fmt.Sprintf("device %s not found", deviceID))
}

// NotPrimary creates a "device.not_primary" error.
// The sender must request primary before driving the session.
func NotPrimary(sessionID, deviceID string) *CodedError {
	msg := fmt.Sprintf("device %s is not the primary for session %s", deviceID, sessionID)
	return New(CodeDeviceNotPrimary, msg)
}

// NoPrimary creates a "device.no_primary" error.
// While no device is primary, the session accepts no user-initiated sends.
func NoPrimary(sessionID string) *CodedError {
	return New(CodeDeviceNoPrimary, fmt.Sprintf("session %s has no primary device", sessionID))
}

// InvalidTransfer creates a "transfer.invalid" error.
// This is an invalid state transition: an ack arrived for a transfer
// that was never requested. Logged and ignored, never fatal.
func InvalidTransfer(sessionID, deviceID string) *CodedError {
	msg := fmt.Sprintf("no pending primary transfer to device %s for session %s", deviceID, sessionID)
	return New(CodeTransferInvalid, msg)
}

// DuplicateSend creates a "queue.duplicate_send" error.
// The send is rejected silently from the sender's perspective but the
// code is logged for diagnostics.
func DuplicateSend(sessionID string) *CodedError {
	return New(CodeDuplicateSend, fmt.Sprintf("duplicate send within dedup window for session %s", sessionID))
}

// MessageNotFound creates a "queue.message_not_found" error.
func MessageNotFound(messageID string) *CodedError {
	return New(CodeMessageNotFound, fmt.Sprintf("message %s not found (may have expired)", messageID))
}

// SpawnFailed creates a "session.spawn_failed" error.
// The CLI subprocess could not be started; the session is surfaced to
// the user as terminated with this reason.
func SpawnFailed(cause error) *CodedError {
	return Wrap(CodeSessionSpawnFailed, "failed to spawn CLI subprocess", cause)
}

// ProcessDied creates a "session.process_died" error.
// Raised when the CLI subprocess exits without being killed; the
// session's exit notification and later send rejections carry it.
func ProcessDied(sessionID string, cause error) *CodedError {
	msg := fmt.Sprintf("CLI process for session %s exited unexpectedly", sessionID)
	return Wrap(CodeProcessDied, msg, cause)
}
