package domain

import "fmt"

// ErrorCategory buckets every failure the client can surface.
type ErrorCategory string

const (
	ErrorConfiguration ErrorCategory = "configuration"
	ErrorConnection    ErrorCategory = "connection"
	ErrorProtocol      ErrorCategory = "protocol"
	ErrorBackend       ErrorCategory = "backend"
	ErrorAudioCapture  ErrorCategory = "audio_capture"
)

// RecognitionError carries a classified failure. Fatal errors terminate the
// session; non-fatal errors are surfaced while streaming continues.
type RecognitionError struct {
	Code     int
	Category ErrorCategory
	Fatal    bool
	Message  string
}

func (e RecognitionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d: %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Category, e.Message)
}

// ConfigurationErr reports missing or invalid credentials/parameters.
// Never retried; surfaced before any connection attempt.
func ConfigurationErr(message string) RecognitionError {
	return RecognitionError{Category: ErrorConfiguration, Fatal: true, Message: message}
}

// ConnectionErr reports a transport-level failure.
func ConnectionErr(message string, fatal bool) RecognitionError {
	return RecognitionError{Category: ErrorConnection, Fatal: fatal, Message: message}
}

// ProtocolErr reports a malformed inbound message. The message is dropped and
// the session continues.
func ProtocolErr(message string) RecognitionError {
	return RecognitionError{Category: ErrorProtocol, Fatal: false, Message: message}
}

// CaptureErr reports a microphone device or permission failure.
func CaptureErr(message string) RecognitionError {
	return RecognitionError{Category: ErrorAudioCapture, Fatal: true, Message: message}
}
