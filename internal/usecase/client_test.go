package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"whisperdeck/internal/domain"
	"whisperdeck/internal/ports"
	"whisperdeck/internal/signature"
)

type fakeWire struct {
	clk clock.Clock

	mu        sync.Mutex
	sendTimes []time.Time
	texts     [][]byte
	readErr   error

	incoming  chan ports.WireMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeWire(clk clock.Clock) *fakeWire {
	return &fakeWire{
		clk:      clk,
		incoming: make(chan ports.WireMessage, 32),
		closed:   make(chan struct{}),
	}
}

func (f *fakeWire) WriteBinary(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendTimes = append(f.sendTimes, f.clk.Now())
	return nil
}

func (f *fakeWire) WriteText(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, append([]byte(nil), payload...))
	return nil
}

func (f *fakeWire) Ping() error { return nil }

func (f *fakeWire) Read() (ports.WireMessage, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case <-f.closed:
		f.mu.Lock()
		err := f.readErr
		f.mu.Unlock()
		if err == nil {
			err = errors.New("use of closed connection")
		}
		return ports.WireMessage{}, err
	}
}

func (f *fakeWire) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWire) failRead(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	f.Close()
}

func (f *fakeWire) push(payload string) {
	f.incoming <- ports.WireMessage{Payload: []byte(payload)}
}

// tryPush delivers a payload unless the wire has already been closed.
func (f *fakeWire) tryPush(payload string) bool {
	select {
	case f.incoming <- ports.WireMessage{Payload: []byte(payload)}:
		return true
	case <-f.closed:
		return false
	}
}

func (f *fakeWire) sends() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sendTimes...)
}

type fakeDialer struct {
	clk clock.Clock

	mu        sync.Mutex
	wires     []*fakeWire
	dialTimes []time.Time
	failAfter int // fail every dial once this many have succeeded
}

func newFakeDialer(clk clock.Clock) *fakeDialer {
	return &fakeDialer{clk: clk, failAfter: -1}
}

func (d *fakeDialer) DialContext(context.Context, string) (ports.WireConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialTimes = append(d.dialTimes, d.clk.Now())
	if d.failAfter >= 0 && len(d.wires) >= d.failAfter {
		return nil, errors.New("dial refused")
	}
	wire := newFakeWire(d.clk)
	d.wires = append(d.wires, wire)
	return wire, nil
}

func (d *fakeDialer) wire(i int) *fakeWire {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wires[i]
}

func (d *fakeDialer) dials() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialTimes...)
}

type recordingSink struct {
	mu       sync.Mutex
	started  []string
	connects []string
	events   []domain.TranscriptEvent
	errors   []domain.RecognitionError
	results  []domain.SessionResult
	// lateEvents counts transcript or error deliveries observed after the
	// terminal SessionEnded, which the client promises never happens.
	lateEvents int
}

func (s *recordingSink) SessionStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
}

func (s *recordingSink) Connected(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, id)
}

func (s *recordingSink) Transcript(event domain.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > 0 {
		s.lateEvents++
	}
	s.events = append(s.events, event)
}

func (s *recordingSink) RecognitionFailed(err domain.RecognitionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > 0 {
		s.lateEvents++
	}
	s.errors = append(s.errors, err)
}

func (s *recordingSink) SessionEnded(result domain.SessionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

func (s *recordingSink) transcripts() []domain.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TranscriptEvent(nil), s.events...)
}

func (s *recordingSink) recognitionErrors() []domain.RecognitionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RecognitionError(nil), s.errors...)
}

func (s *recordingSink) ended() []domain.SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionResult(nil), s.results...)
}

func (s *recordingSink) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func (s *recordingSink) lateEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lateEvents
}

type upperNormalizer struct{}

func (upperNormalizer) Apply(text string) (string, error) {
	return strings.ToUpper(text), nil
}

func testClient(t *testing.T, mock *clock.Mock, dialer *fakeDialer, sink *recordingSink, cfg Config) *StreamingClient {
	t.Helper()
	builder := signature.NewBuilder()
	builder.Nonce = func() int64 { return 1 }
	return NewStreamingClient(
		domain.Credentials{AccountID: "100000", AccessID: "AK123", AccessSecret: "SK456"},
		builder,
		dialer,
		upperNormalizer{},
		sink,
		mock,
		nil,
		cfg,
	)
}

func advance(mock *clock.Mock, step time.Duration, iterations int) {
	for i := 0; i < iterations; i++ {
		mock.Add(step)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	firstID := client.VoiceSessionID()
	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))

	require.Equal(t, firstID, client.VoiceSessionID())
	require.Equal(t, 1, sink.startedCount())
	require.Len(t, dialer.dials(), 1)

	require.NoError(t, client.Stop())
}

func TestSetCredentialsRejectedWhileRunning(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	client := testClient(t, mock, dialer, &recordingSink{}, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	err := client.SetCredentials(domain.Credentials{AccountID: "2", AccessID: "b", AccessSecret: "s"})
	require.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, client.Stop())
	require.NoError(t, client.SetCredentials(domain.Credentials{AccountID: "2", AccessID: "b", AccessSecret: "s"}))
}

func TestStartFailsBeforeNetworkOnBadCredentials(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	client := NewStreamingClient(
		domain.Credentials{}, signature.NewBuilder(), dialer, nil, &recordingSink{}, mock, nil, Config{})

	err := client.Start(context.Background(), domain.DefaultSessionParams())
	var recErr domain.RecognitionError
	require.True(t, errors.As(err, &recErr))
	require.Equal(t, domain.ErrorConfiguration, recErr.Category)
	require.Empty(t, dialer.dials())
}

func TestPacingNeverSendsFramesCloserThanCadence(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{FrameDuration: 40 * time.Millisecond})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	time.Sleep(20 * time.Millisecond) // let the session loop arm its ticker

	// Queue 400ms of audio in one burst (10 whole frames at 16kHz/40ms).
	client.FeedAudio(make([]float32, 6400), 16000)

	advance(mock, 40*time.Millisecond, 20)

	sends := dialer.wire(0).sends()
	require.Len(t, sends, 10)
	for i := 1; i < len(sends); i++ {
		gap := sends[i].Sub(sends[i-1])
		require.GreaterOrEqual(t, gap, 40*time.Millisecond,
			"sends %d and %d only %v apart", i-1, i, gap)
	}

	require.NoError(t, client.Stop())
}

func TestStaleBacklogIsDroppedNotBurst(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	client := testClient(t, mock, dialer, &recordingSink{}, Config{
		FrameDuration:    40 * time.Millisecond,
		MaxBacklogFrames: 4,
	})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	time.Sleep(20 * time.Millisecond)

	// A long capture stall leaves a 20-frame backlog.
	client.FeedAudio(make([]float32, 12800), 16000)

	advance(mock, 40*time.Millisecond, 8)

	sends := dialer.wire(0).sends()
	require.NotEmpty(t, sends)
	require.LessOrEqual(t, len(sends), 8, "backlog must not be burst-sent")

	require.NoError(t, client.Stop())
}

func TestTranscriptEventsPreserveOrderAndKinds(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	wire := dialer.wire(0)

	wire.push(`{"code":0,"voice_id":"v","result":{"slice_type":0,"index":0,"start_time":0,"end_time":0,"voice_text_str":"hi"}}`)
	wire.push(`{"code":0,"voice_id":"v","result":{"slice_type":1,"index":0,"start_time":0,"end_time":400,"voice_text_str":"hello wor"}}`)
	wire.push(`{"code":0,"voice_id":"v","result":{"slice_type":2,"index":0,"start_time":0,"end_time":900,"voice_text_str":"hello world"}}`)

	require.Eventually(t, func() bool {
		return len(sink.transcripts()) == 3
	}, time.Second, 5*time.Millisecond)

	events := sink.transcripts()
	require.Equal(t, domain.SliceBegin, events[0].Kind)
	require.Equal(t, domain.SliceInterim, events[1].Kind)
	require.Equal(t, "hello wor", events[1].Text)
	require.Equal(t, domain.SliceFinal, events[2].Kind)
	// Finals pass through the normalizer.
	require.Equal(t, "HELLO WORLD", events[2].Text)
	require.Equal(t, 900, events[2].EndMs)

	require.NoError(t, client.Stop())

	results := sink.ended()
	require.Len(t, results, 1)
	require.Equal(t, "HELLO WORLD", results[0].Transcript)
	require.Equal(t, domain.EndReasonStopped, results[0].Reason)
}

func TestFatalBackendErrorEndsSession(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	dialer.wire(0).push(`{"code":4003,"message":"auth failed"}`)

	require.Eventually(t, func() bool {
		return !client.Running()
	}, time.Second, 5*time.Millisecond)

	recErrs := sink.recognitionErrors()
	require.Len(t, recErrs, 1)
	require.Equal(t, 4003, recErrs[0].Code)
	require.Equal(t, domain.ErrorBackend, recErrs[0].Category)
	require.True(t, recErrs[0].Fatal)

	results := sink.ended()
	require.Len(t, results, 1)
	require.Equal(t, domain.EndReasonFatalError, results[0].Reason)
}

func TestTransientBackendErrorKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	dialer.wire(0).push(`{"code":4008,"message":"rate limited"}`)

	require.Eventually(t, func() bool {
		return len(sink.recognitionErrors()) == 1
	}, time.Second, 5*time.Millisecond)

	require.False(t, sink.recognitionErrors()[0].Fatal)
	require.True(t, client.Running())

	require.NoError(t, client.Stop())
}

func TestMalformedMessageIsDroppedSessionContinues(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	wire := dialer.wire(0)

	wire.push(`{"code": not json`)
	wire.push(`{"code":0,"voice_id":"v","result":{"slice_type":1,"index":0,"start_time":0,"end_time":100,"voice_text_str":"still here"}}`)

	require.Eventually(t, func() bool {
		return len(sink.transcripts()) == 1
	}, time.Second, 5*time.Millisecond)

	recErrs := sink.recognitionErrors()
	require.Len(t, recErrs, 1)
	require.Equal(t, domain.ErrorProtocol, recErrs[0].Category)
	require.False(t, recErrs[0].Fatal)
	require.True(t, client.Running())

	require.NoError(t, client.Stop())
}

func TestBackendFinalFlagEndsSession(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	dialer.wire(0).push(`{"code":0,"voice_id":"v","final":1,"result":{"slice_type":2,"index":0,"start_time":0,"end_time":500,"voice_text_str":"goodbye"}}`)

	require.Eventually(t, func() bool {
		return !client.Running()
	}, time.Second, 5*time.Millisecond)

	results := sink.ended()
	require.Len(t, results, 1)
	require.Equal(t, domain.EndReasonBackendFinal, results[0].Reason)
	require.Equal(t, "GOODBYE", results[0].Transcript)
}

func TestReconnectBackoffAndExhaustion(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{
		ReconnectBase:        100 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	time.Sleep(20 * time.Millisecond)

	// Every dial after the first one fails.
	dialer.mu.Lock()
	dialer.failAfter = 1
	dialer.mu.Unlock()

	killedAt := mock.Now()
	dialer.wire(0).failRead(errors.New("peer reset"))

	// Walk the mock clock through the 100ms, 200ms, 400ms backoff windows.
	advance(mock, 10*time.Millisecond, 90)

	require.Eventually(t, func() bool {
		return !client.Running()
	}, 2*time.Second, 5*time.Millisecond)

	dials := dialer.dials()
	require.Len(t, dials, 4, "initial dial plus three reconnect attempts")

	wantOffsets := []time.Duration{100, 300, 700}
	for i, want := range wantOffsets {
		got := dials[i+1].Sub(killedAt)
		require.InDelta(t, float64(want*time.Millisecond), float64(got),
			float64(30*time.Millisecond),
			fmt.Sprintf("attempt %d fired at offset %v", i+1, got))
	}

	recErrs := sink.recognitionErrors()
	require.NotEmpty(t, recErrs)
	last := recErrs[len(recErrs)-1]
	require.Equal(t, domain.ErrorConnection, last.Category)
	require.True(t, last.Fatal)

	results := sink.ended()
	require.Len(t, results, 1)
	require.Equal(t, domain.EndReasonRetriesExhausted, results[0].Reason)
}

func TestReconnectSucceedsAndResumes(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{
		ReconnectBase:        50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	time.Sleep(20 * time.Millisecond)
	sessionID := client.VoiceSessionID()

	dialer.wire(0).failRead(errors.New("peer reset"))
	advance(mock, 10*time.Millisecond, 10)

	require.Eventually(t, func() bool {
		return len(dialer.dials()) == 2
	}, time.Second, 5*time.Millisecond)

	require.True(t, client.Running())
	require.Equal(t, sessionID, client.VoiceSessionID(), "voice session id survives reconnect")

	// The replacement connection keeps delivering results.
	dialer.wire(1).push(`{"code":0,"voice_id":"v","result":{"slice_type":1,"index":0,"start_time":0,"end_time":100,"voice_text_str":"back"}}`)
	require.Eventually(t, func() bool {
		return len(sink.transcripts()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Stop())
}

func TestStopIsReentrantAndFinal(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())

	require.Len(t, sink.ended(), 1)
	require.False(t, client.Running())

	// No events are delivered after Stop has completed.
	before := len(sink.transcripts())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, len(sink.transcripts()))
}

func TestFeedAudioIgnoredWhenIdle(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	client := testClient(t, mock, newFakeDialer(mock), &recordingSink{}, Config{})
	client.FeedAudio(make([]float32, 640), 16000)
	require.False(t, client.Running())
}

type blockingDialer struct {
	inner   *fakeDialer
	dialing chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDialer) DialContext(ctx context.Context, url string) (ports.WireConn, error) {
	d.once.Do(func() { close(d.dialing) })
	select {
	case <-d.release:
		return d.inner.DialContext(ctx, url)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStopWhileStartIsDialingNeverOpensSession(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := &blockingDialer{
		inner:   newFakeDialer(mock),
		dialing: make(chan struct{}),
		release: make(chan struct{}),
	}
	sink := &recordingSink{}
	builder := signature.NewBuilder()
	builder.Nonce = func() int64 { return 1 }
	client := NewStreamingClient(
		domain.Credentials{AccountID: "100000", AccessID: "AK123", AccessSecret: "SK456"},
		builder, dialer, nil, sink, mock, nil, Config{})

	startDone := make(chan error, 1)
	go func() {
		startDone <- client.Start(context.Background(), domain.DefaultSessionParams())
	}()

	<-dialer.dialing
	require.NoError(t, client.Stop())

	select {
	case err := <-startDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after stop aborted the dial")
	}

	require.False(t, client.Running(), "session must not be open after stop")
	require.Equal(t, 0, sink.startedCount())
	require.Empty(t, sink.ended())

	// The client recovers: a fresh start opens a session normally.
	close(dialer.release)
	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	require.True(t, client.Running())
	require.NoError(t, client.Stop())
}

func TestCaptureFailureEndsSessionWithFatalError(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	client.CaptureFailed("input device disconnected")

	require.False(t, client.Running())

	recErrs := sink.recognitionErrors()
	require.Len(t, recErrs, 1)
	require.Equal(t, domain.ErrorAudioCapture, recErrs[0].Category)
	require.True(t, recErrs[0].Fatal)
	require.Contains(t, recErrs[0].Message, "input device disconnected")

	results := sink.ended()
	require.Len(t, results, 1)
	require.Equal(t, domain.EndReasonFatalError, results[0].Reason)

	// Once idle, capture reports are ignored.
	client.CaptureFailed("again")
	require.Len(t, sink.recognitionErrors(), 1)
	require.Len(t, sink.ended(), 1)
}

func TestNoTranscriptOrErrorAfterSessionEnded(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dialer := newFakeDialer(mock)
	sink := &recordingSink{}
	client := testClient(t, mock, dialer, sink, Config{})

	require.NoError(t, client.Start(context.Background(), domain.DefaultSessionParams()))
	wire := dialer.wire(0)

	// A producer floods results while Stop races the delivery path.
	feeding := make(chan struct{})
	go func() {
		defer close(feeding)
		for i := 0; i < 200; i++ {
			msg := fmt.Sprintf(
				`{"code":0,"voice_id":"v","result":{"slice_type":1,"index":0,"start_time":0,"end_time":%d,"voice_text_str":"word %d"}}`,
				i, i)
			if !wire.tryPush(msg) {
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, client.Stop())
	<-feeding

	require.False(t, client.Running())
	require.Len(t, sink.ended(), 1)

	// Give any straggling deliveries a chance to surface, then check none did.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.lateEventCount())
}
