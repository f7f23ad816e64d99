package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"whisperdeck/internal/bootstrap"
	"whisperdeck/internal/domain"
	"whisperdeck/internal/ports"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "whisperdeck:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger(os.Getenv("WHISPERDECK_LOG_LEVEL"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	services, err := bootstrap.Build(&consoleSink{logger: logger}, logger)
	if err != nil {
		return err
	}

	if err := services.Client.Start(ctx, services.Config.Session); err != nil {
		return fmt.Errorf("failed to start streaming session: %w", err)
	}
	defer func() { _ = services.Client.Stop() }()

	capture, err := services.Capture.Start(ctx, ports.AudioConfig{
		SampleRate:      services.Config.Audio.SampleRate,
		Channels:        services.Config.Audio.Channels,
		FramesPerBuffer: services.Config.Audio.FramesPerBuffer,
		InputDevice:     services.Config.Audio.InputDevice,
	})
	if err != nil {
		services.Client.CaptureFailed(
			fmt.Sprintf("failed to open microphone: %v (check input device and permissions)", err))
		return fmt.Errorf("failed to open microphone: %w (check input device and permissions)", err)
	}
	defer func() { _ = capture.Stop() }()

	logger.Info("listening", zap.String("voice_session_id", services.Client.VoiceSessionID()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-capture.Blocks():
			if !ok {
				if err := capture.Err(); err != nil {
					services.Client.CaptureFailed(err.Error())
					return err
				}
				return nil
			}
			services.Client.FeedAudio(block.Samples, block.SampleRate)
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

// consoleSink prints recognition events for interactive use.
type consoleSink struct {
	logger *zap.Logger
}

func (s *consoleSink) SessionStarted(voiceSessionID string) {
	s.logger.Info("session started", zap.String("voice_session_id", voiceSessionID))
}

func (s *consoleSink) Connected(voiceSessionID string) {
	s.logger.Info("connected", zap.String("voice_session_id", voiceSessionID))
}

func (s *consoleSink) Transcript(event domain.TranscriptEvent) {
	switch event.Kind {
	case domain.SliceFinal:
		fmt.Printf("\r>> %s\n", event.Text)
	case domain.SliceInterim:
		fmt.Printf("\r.. %s", event.Text)
	}
}

func (s *consoleSink) RecognitionFailed(err domain.RecognitionError) {
	s.logger.Warn("recognition error",
		zap.Int("code", err.Code),
		zap.String("category", string(err.Category)),
		zap.Bool("fatal", err.Fatal),
		zap.String("message", err.Message))
}

func (s *consoleSink) SessionEnded(result domain.SessionResult) {
	s.logger.Info("session ended",
		zap.String("voice_session_id", result.VoiceSessionID),
		zap.String("reason", string(result.Reason)))
	if result.Transcript != "" {
		fmt.Printf("\n== %s\n", result.Transcript)
	}
}
