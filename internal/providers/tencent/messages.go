package tencent

import (
	"encoding/json"
	"fmt"

	"whisperdeck/internal/domain"
)

// Envelope is the backend's inbound result message.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	VoiceID string `json:"voice_id"`
	Final   int    `json:"final"`
	Result  *Slice `json:"result"`
}

// Slice is one recognition result carried inside an Envelope.
type Slice struct {
	SliceType int    `json:"slice_type"`
	Index     int    `json:"index"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
	VoiceText string `json:"voice_text_str"`
}

// ParseEnvelope decodes one inbound text payload.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode result envelope: %w", err)
	}
	return envelope, nil
}

// Backend result codes. Auth and parameter class codes end the session;
// the rest are surfaced while streaming continues.
const (
	CodeAudioDecodeFailed  = 4001
	CodeRecognitionTimeout = 4002
	CodeAuthFailed         = 4003
	CodeInvalidParameters  = 4004
	CodePayloadTooLong     = 4005
	CodeBackendInternal    = 4006
	CodeAudioTooShort      = 4007
	CodeRateLimited        = 4008
)

// BackendErr maps a non-zero envelope code onto the error taxonomy.
func BackendErr(code int, message string) domain.RecognitionError {
	fatal := false
	switch code {
	case CodeAuthFailed, CodeInvalidParameters, CodePayloadTooLong:
		fatal = true
	}
	if message == "" {
		message = "backend rejected the request"
	}
	return domain.RecognitionError{
		Code:     code,
		Category: domain.ErrorBackend,
		Fatal:    fatal,
		Message:  message,
	}
}

// EndMarker is the explicit end-of-stream control message.
var EndMarker = []byte(`{"type":"end"}`)
