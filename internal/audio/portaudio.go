package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"whisperdeck/internal/ports"
)

// PortAudioCapture opens the default input device and delivers raw float
// sample blocks. One capture session owns the device handle exclusively.
type PortAudioCapture struct {
	logger *zap.Logger
}

func NewPortAudioCapture(logger *zap.Logger) *PortAudioCapture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortAudioCapture{logger: logger.Named("portaudio")}
}

func (c *PortAudioCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio subsystem (check microphone permissions): %w", err)
	}

	buf := make([]float32, cfg.FramesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(
		cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open default input device: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to start capture stream: %w", err)
	}

	session := &portAudioSession{
		stream: stream,
		buf:    buf,
		rate:   cfg.SampleRate,
		blocks: make(chan ports.AudioBlock, 32),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go session.readLoop(ctx)
	return session, nil
}

type portAudioSession struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	blocks chan ports.AudioBlock
	done   chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	readErr error

	stopOnce sync.Once
	stopErr  error
}

func (s *portAudioSession) Blocks() <-chan ports.AudioBlock {
	return s.blocks
}

func (s *portAudioSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

func (s *portAudioSession) readLoop(ctx context.Context) {
	defer close(s.blocks)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.readErr = fmt.Errorf("capture device read failed: %w", err)
				s.mu.Unlock()
				s.logger.Warn("capture read failed", zap.Error(err))
			}
			return
		}

		block := ports.AudioBlock{
			Samples:    append([]float32(nil), s.buf...),
			SampleRate: s.rate,
		}
		select {
		case s.blocks <- block:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *portAudioSession) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.stream.Stop(); err != nil {
			s.stopErr = err
		}
		if err := s.stream.Close(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
	})
	return s.stopErr
}
