package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whisperdeck/internal/audio"
	"whisperdeck/internal/domain"
	"whisperdeck/internal/ports"
	"whisperdeck/internal/providers/tencent"
	"whisperdeck/internal/signature"
)

// ErrSessionActive is returned when credentials are swapped mid-session.
var ErrSessionActive = errors.New("a streaming session is active")

// Config controls streaming behavior.
type Config struct {
	// FrameDuration is the transmission cadence; one frame per tick.
	FrameDuration time.Duration
	// MaxBacklogFrames bounds the paced queue. Older frames beyond the bound
	// are discarded after a capture stall instead of being burst-sent.
	MaxBacklogFrames int
	// ReconnectBase seeds the exponential backoff after unplanned closes.
	ReconnectBase time.Duration
	// MaxReconnectAttempts caps consecutive reconnect attempts.
	MaxReconnectAttempts int
	// Conn tunes the underlying connection lifecycle.
	Conn tencent.ConnConfig
}

func (c Config) withDefaults() Config {
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	if c.MaxBacklogFrames <= 0 {
		c.MaxBacklogFrames = 25
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// StreamingClient owns one recognition session at a time: it paces encoded
// audio frames onto an authenticated connection, parses the result stream
// into transcript events, and reconnects with bounded backoff on unplanned
// connection loss.
type StreamingClient struct {
	builder    signature.Builder
	dialer     ports.Dialer
	sink       ports.EventSink
	normalizer ports.Normalizer
	clk        clock.Clock
	logger     *zap.Logger
	cfg        Config

	// emitMu serializes every sink call with the terminal Ended emission, so
	// no event can land after SessionEnded has been delivered.
	emitMu sync.Mutex

	mu            sync.Mutex
	creds         domain.Credentials
	params        domain.SessionParams
	running       bool
	starting      bool
	stopRequested bool
	ended         bool
	voiceID  string
	pipeline *audio.Pipeline
	conn     *tencent.Conn
	agg      *transcriptAggregator
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewStreamingClient constructs a client. No work happens until Start.
func NewStreamingClient(
	creds domain.Credentials,
	builder signature.Builder,
	dialer ports.Dialer,
	normalizer ports.Normalizer,
	sink ports.EventSink,
	clk clock.Clock,
	logger *zap.Logger,
	cfg Config,
) *StreamingClient {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingClient{
		builder:    builder,
		dialer:     dialer,
		sink:       sink,
		normalizer: normalizer,
		clk:        clk,
		logger:     logger.Named("streaming_client"),
		cfg:        cfg.withDefaults(),
		creds:      creds,
	}
}

// SetCredentials replaces the credentials. Rejected while a session is open.
func (c *StreamingClient) SetCredentials(creds domain.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrSessionActive
	}
	c.creds = creds
	return nil
}

// Running reports whether a session is open.
func (c *StreamingClient) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// VoiceSessionID returns the current session id, empty when idle.
func (c *StreamingClient) VoiceSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceID
}

// Start opens a new streaming session. Calling Start while a session is open
// is a no-op; a second concurrent session is never created.
func (c *StreamingClient) Start(ctx context.Context, params domain.SessionParams) error {
	c.mu.Lock()
	if c.running || c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.stopRequested = false
	creds := c.creds
	c.mu.Unlock()

	voiceID := uuid.NewString()
	req, err := c.builder.BuildConnectionRequest(creds, params, voiceID, c.clk.Now())
	if err != nil {
		c.abortStart()
		return err
	}
	c.logger.Debug("starting streaming session",
		zap.String("voice_session_id", voiceID),
		zap.Any("credentials", creds.Redacted()))

	conn := tencent.NewConn(c.dialer, req.URL, c.cfg.Conn, c.clk, c.logger)
	c.mu.Lock()
	if c.stopRequested {
		c.starting = false
		c.stopRequested = false
		c.mu.Unlock()
		return nil
	}
	// Published so Stop can tear down a dial that is still in flight.
	c.conn = conn
	c.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		if stopped := c.abortStart(); !stopped {
			var recErr domain.RecognitionError
			if errors.As(err, &recErr) {
				c.sink.RecognitionFailed(recErr)
			}
		}
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	enc := audio.NewEncoder(params.SampleRate)
	loopDone := make(chan struct{})

	c.mu.Lock()
	if c.stopRequested {
		c.starting = false
		c.stopRequested = false
		c.conn = nil
		c.mu.Unlock()
		cancel()
		_ = conn.Stop()
		return nil
	}
	c.running = true
	c.starting = false
	c.ended = false
	c.voiceID = voiceID
	c.params = params
	c.pipeline = audio.NewPipeline(enc, c.cfg.FrameDuration, c.logger)
	c.conn = conn
	c.agg = newTranscriptAggregator()
	c.cancel = cancel
	c.loopDone = loopDone
	c.mu.Unlock()

	c.emitMu.Lock()
	if !c.sessionEnded() {
		c.sink.SessionStarted(voiceID)
		c.sink.Connected(voiceID)
	}
	c.emitMu.Unlock()

	go c.runLoop(sessionCtx, conn, loopDone)
	return nil
}

func (c *StreamingClient) abortStart() (stopped bool) {
	c.mu.Lock()
	stopped = c.stopRequested
	c.starting = false
	c.stopRequested = false
	c.conn = nil
	c.mu.Unlock()
	return stopped
}

// FeedAudio accepts one raw capture block. It only encodes and buffers;
// transmission is paced by the session loop and never happens inline.
func (c *StreamingClient) FeedAudio(samples []float32, inputRate int) {
	c.mu.Lock()
	pipeline := c.pipeline
	running := c.running
	c.mu.Unlock()

	if !running || pipeline == nil {
		return
	}
	pipeline.OnCaptureBlock(samples, inputRate)
}

// Stop ends the session: end-of-stream marker, connection close, counters
// reset. Safe to call repeatedly, in every session state, and from within the
// SessionEnded callback. A Stop that lands while Start is still dialing
// aborts the dial; the session never opens.
func (c *StreamingClient) Stop() error {
	c.mu.Lock()
	conn := c.conn
	running := c.running
	starting := c.starting
	if starting && !running {
		c.stopRequested = true
	}
	c.mu.Unlock()

	if starting && !running {
		if conn != nil {
			_ = conn.Stop()
		}
		return nil
	}
	if !running {
		return nil
	}
	if conn != nil {
		_ = conn.Stop()
	}
	c.finish(domain.EndReasonStopped)
	return nil
}

// CaptureFailed reports a fatal microphone failure. The active session ends
// with a terminal audio-capture error; idle clients ignore it.
func (c *StreamingClient) CaptureFailed(message string) {
	c.mu.Lock()
	conn := c.conn
	running := c.running
	c.mu.Unlock()

	if !running {
		return
	}
	c.emitError(domain.CaptureErr(message))
	if conn != nil {
		_ = conn.Stop()
	}
	c.finish(domain.EndReasonFatalError)
}

// runLoop is the session event loop: the pacing tick, inbound messages, and
// connection termination are all handled here, serializing session state.
func (c *StreamingClient) runLoop(ctx context.Context, conn *tencent.Conn, loopDone chan struct{}) {
	defer close(loopDone)

	ticker := c.clk.Ticker(c.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			c.pumpFrame(conn)

		case msg := <-conn.Inbound():
			if c.handleMessage(conn, msg) {
				return
			}

		case <-conn.Done():
			c.drainInbound(conn)
			c.mu.Lock()
			ended := c.ended
			c.mu.Unlock()
			if ended {
				return
			}
			info := conn.CloseInfo()
			if info.Err == nil {
				reason := domain.EndReasonStopped
				if info.Idle {
					reason = domain.EndReasonIdleTimeout
				}
				c.finish(reason)
				return
			}

			next, ok := c.reconnect(ctx)
			if !ok {
				return
			}
			conn = next
		}
	}
}

// pumpFrame sends at most one frame per pacing tick. A backlog beyond the
// staleness bound is dropped oldest-first rather than burst-sent.
func (c *StreamingClient) pumpFrame(conn *tencent.Conn) {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline == nil {
		return
	}

	dropped := 0
	for pipeline.BufferedFrames() > c.cfg.MaxBacklogFrames {
		if _, ok := pipeline.DrainFrame(); !ok {
			break
		}
		dropped++
	}
	if dropped > 0 {
		c.logger.Warn("discarded stale audio frames", zap.Int("count", dropped))
	}

	frame, ok := pipeline.DrainFrame()
	if !ok {
		return
	}
	if err := conn.SendFrame(frame.Payload); err != nil {
		// Connection death is surfaced through conn.Done.
		c.logger.Debug("frame send failed", zap.Uint64("sequence", frame.Sequence), zap.Error(err))
	}
}

// handleMessage parses one inbound payload. Returns true when the session
// has ended and the loop should exit.
func (c *StreamingClient) handleMessage(conn *tencent.Conn, msg ports.WireMessage) bool {
	if msg.Binary {
		c.logger.Debug("ignoring unexpected binary message", zap.Int("bytes", len(msg.Payload)))
		return false
	}

	envelope, err := tencent.ParseEnvelope(msg.Payload)
	if err != nil {
		c.emitError(domain.ProtocolErr(err.Error()))
		return false
	}

	if envelope.Code != 0 {
		backendErr := tencent.BackendErr(envelope.Code, envelope.Message)
		c.emitError(backendErr)
		if backendErr.Fatal {
			_ = conn.Stop()
			c.finish(domain.EndReasonFatalError)
			return true
		}
		return false
	}

	if envelope.Result != nil {
		c.emitTranscript(*envelope.Result)
	}

	if envelope.Final == 1 {
		_ = conn.Stop()
		c.finish(domain.EndReasonBackendFinal)
		return true
	}
	return false
}

// drainInbound handles messages that arrived before the connection finished.
func (c *StreamingClient) drainInbound(conn *tencent.Conn) {
	for {
		select {
		case msg := <-conn.Inbound():
			if c.handleMessage(conn, msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *StreamingClient) emitTranscript(slice tencent.Slice) {
	c.mu.Lock()
	voiceID := c.voiceID
	agg := c.agg
	c.mu.Unlock()

	kind := domain.SliceKind(slice.SliceType)
	text := slice.VoiceText
	if kind == domain.SliceFinal && c.normalizer != nil {
		normalized, err := c.normalizer.Apply(text)
		if err != nil {
			c.logger.Warn("transcript normalization failed", zap.Error(err))
		} else {
			text = normalized
		}
	}

	event := domain.TranscriptEvent{
		VoiceSessionID: voiceID,
		Kind:           kind,
		Text:           text,
		StartMs:        slice.StartTime,
		EndMs:          slice.EndTime,
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.sessionEnded() {
		return
	}
	if agg != nil {
		agg.Add(event)
	}
	c.sink.Transcript(event)
}

func (c *StreamingClient) sessionEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// reconnect applies exponential backoff after an unplanned close. Returns
// the replacement connection, or false when the session has ended.
func (c *StreamingClient) reconnect(ctx context.Context) (*tencent.Conn, bool) {
	c.mu.Lock()
	creds := c.creds
	params := c.params
	voiceID := c.voiceID
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := c.cfg.ReconnectBase * (1 << (attempt - 1))
		c.logger.Warn("connection lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := c.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.finish(domain.EndReasonStopped)
			return nil, false
		}

		req, err := c.builder.BuildConnectionRequest(creds, params, voiceID, c.clk.Now())
		if err != nil {
			var recErr domain.RecognitionError
			if errors.As(err, &recErr) {
				c.emitError(recErr)
			}
			c.finish(domain.EndReasonFatalError)
			return nil, false
		}

		conn := tencent.NewConn(c.dialer, req.URL, c.cfg.Conn, c.clk, c.logger)
		if err := conn.Connect(ctx); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.conn = conn
		ended := c.ended
		c.mu.Unlock()
		if ended {
			_ = conn.Stop()
			return nil, false
		}

		c.emitMu.Lock()
		if !c.sessionEnded() {
			c.sink.Connected(voiceID)
		}
		c.emitMu.Unlock()
		return conn, true
	}

	c.emitError(domain.ConnectionErr("reconnect attempts exhausted", true))
	c.finish(domain.EndReasonRetriesExhausted)
	return nil, false
}

func (c *StreamingClient) emitError(err domain.RecognitionError) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.sessionEnded() {
		return
	}
	c.sink.RecognitionFailed(err)
}

// finish tears the session down exactly once and emits the terminal Ended
// event. After it returns no further events are emitted.
func (c *StreamingClient) finish(reason domain.EndReason) {
	c.mu.Lock()
	if c.ended || !c.running {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.running = false
	voiceID := c.voiceID
	agg := c.agg
	cancel := c.cancel
	c.voiceID = ""
	c.pipeline = nil
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Taking emitMu waits out any in-flight transcript or error emission, so
	// Ended is the last event the sink ever sees for this session and the
	// reported transcript covers everything that was delivered.
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	transcript := ""
	if agg != nil {
		transcript = agg.Transcript()
	}
	c.sink.SessionEnded(domain.SessionResult{
		VoiceSessionID: voiceID,
		Transcript:     transcript,
		Reason:         reason,
	})
}
