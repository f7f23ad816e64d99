package ports

import (
	"context"

	"whisperdeck/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	InputDevice     string
}

// AudioBlock is one block of raw capture samples at the device rate.
type AudioBlock struct {
	Samples    []float32
	SampleRate int
}

// AudioSession is a live microphone capture session.
type AudioSession interface {
	Blocks() <-chan AudioBlock
	// Err reports why the block channel closed. Nil after a clean Stop;
	// non-nil when the device died mid-session.
	Err() error
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// WireMessage is one inbound transport payload, semantics unparsed.
type WireMessage struct {
	Binary  bool
	Payload []byte
}

// WireConn is one open duplex transport connection.
type WireConn interface {
	WriteBinary(payload []byte) error
	WriteText(payload []byte) error
	Ping() error
	// Read blocks until a message arrives or the connection dies.
	Read() (WireMessage, error)
	Close() error
}

// Dialer opens duplex connections. A real websocket dialer and an in-memory
// fake both implement it, keeping one canonical client for both backends.
type Dialer interface {
	DialContext(ctx context.Context, url string) (WireConn, error)
}

// Normalizer transforms final transcripts using deterministic rules.
type Normalizer interface {
	Apply(text string) (string, error)
}

// EventSink receives client lifecycle and result events. Implementations
// must not block the emitting callback, and must not call back into the
// client from Transcript or RecognitionFailed; SessionEnded may.
type EventSink interface {
	SessionStarted(voiceSessionID string)
	Connected(voiceSessionID string)
	Transcript(event domain.TranscriptEvent)
	RecognitionFailed(err domain.RecognitionError)
	SessionEnded(result domain.SessionResult)
}
