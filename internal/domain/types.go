package domain

// ConnectionState models the lifecycle of one recognition connection.
type ConnectionState string

const (
	ConnStateIdle       ConnectionState = "idle"
	ConnStateConnecting ConnectionState = "connecting"
	ConnStateOpen       ConnectionState = "open"
	ConnStateClosing    ConnectionState = "closing"
	ConnStateClosed     ConnectionState = "closed"
	ConnStateFailed     ConnectionState = "failed"
)

// SliceKind identifies what stage of an utterance a transcript slice belongs to.
// Values match the backend's slice_type field.
type SliceKind int

const (
	SliceBegin   SliceKind = 0
	SliceInterim SliceKind = 1
	SliceFinal   SliceKind = 2
)

func (k SliceKind) String() string {
	switch k {
	case SliceBegin:
		return "begin"
	case SliceInterim:
		return "interim"
	case SliceFinal:
		return "final"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one incremental recognition result for a session.
// Events for a session are delivered in backend arrival order.
type TranscriptEvent struct {
	VoiceSessionID string    `json:"voiceSessionId"`
	Kind           SliceKind `json:"kind"`
	Text           string    `json:"text"`
	StartMs        int       `json:"startMs"`
	EndMs          int       `json:"endMs"`
}

// EndReason explains why a streaming session ended.
type EndReason string

const (
	EndReasonStopped          EndReason = "stopped"
	EndReasonBackendFinal     EndReason = "backend_final"
	EndReasonIdleTimeout      EndReason = "idle_timeout"
	EndReasonFatalError       EndReason = "fatal_error"
	EndReasonRetriesExhausted EndReason = "retries_exhausted"
)

// SessionResult summarizes a fully stopped session.
type SessionResult struct {
	VoiceSessionID string    `json:"voiceSessionId"`
	Transcript     string    `json:"transcript"`
	Reason         EndReason `json:"reason"`
}
