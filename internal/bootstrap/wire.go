package bootstrap

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"whisperdeck/internal/audio"
	"whisperdeck/internal/config"
	"whisperdeck/internal/ports"
	"whisperdeck/internal/providers/tencent"
	"whisperdeck/internal/rules"
	"whisperdeck/internal/signature"
	"whisperdeck/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Client  *usecase.StreamingClient
	Capture ports.AudioCapture
	Config  config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(sink ports.EventSink, logger *zap.Logger) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	normalizer, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	client := usecase.NewStreamingClient(
		cfg.Credentials,
		signature.NewBuilder(),
		tencent.WebSocketDialer{},
		normalizer,
		sink,
		clock.New(),
		logger,
		usecase.Config{
			FrameDuration:        cfg.Client.FrameDuration,
			MaxBacklogFrames:     cfg.Client.MaxBacklogFrames,
			ReconnectBase:        cfg.Client.ReconnectBase,
			MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		},
	)

	return Services{
		Client:  client,
		Capture: audio.NewPortAudioCapture(logger),
		Config:  cfg,
	}, nil
}
