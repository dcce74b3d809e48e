package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"readaloud/internal/audio"
	"readaloud/internal/config"
	"readaloud/internal/identity"
	"readaloud/internal/logging"
	"readaloud/internal/ports"
	"readaloud/internal/remote"
	"readaloud/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Identity   *identity.Manager
	Progress   *usecase.Progress
	Remote     *remote.Client
	Bridge     *audio.BridgeCapture
	Config     config.Config
	Logger     *zap.Logger
}

// Build wires all backend dependencies for the current runtime. An empty
// configPath uses the default config location.
func Build(configPath string, events ports.EventSink) (Services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return Services{}, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return Services{}, err
	}
	return BuildWith(cfg, logger, events), nil
}

// BuildWith wires the graph from an already loaded config.
func BuildWith(cfg config.Config, logger *zap.Logger, events ports.EventSink) Services {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout, logger)

	identities := identity.NewManager(identity.NewFileStore(cfg.Identity.Path), client, events, logger)
	if _, _, err := identities.Load(); err != nil {
		logger.Warn("could not restore contributor identity", zap.String("path", cfg.Identity.Path), zap.Error(err))
	}

	progress := usecase.NewProgress(client, client, identities, events, logger)
	pipeline := usecase.NewSubmissionPipeline(client, progress, progress, logger)

	var (
		capture ports.AudioCapture
		bridge  *audio.BridgeCapture
	)
	switch cfg.Audio.Backend {
	case "browser":
		bridge = audio.NewBridgeCapture(cfg.Audio.PermissionTimeout, logger)
		capture = bridge
	default:
		capture = audio.NewFFMPEGCapture(cfg.Audio.FFmpegCommand, ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
			ChunkSize:   cfg.Audio.ChunkSize,
		}, logger)
	}

	controller := usecase.NewSessionController(usecase.Dependencies{
		Capture:  capture,
		Identity: identities,
		Tasks:    progress,
		Advancer: progress,
		Pipeline: pipeline,
		Health:   client,
		Events:   events,
		Logger:   logger,
	}, usecase.Config{
		MaxDuration:   cfg.Session.MaxDuration,
		Formats:       cfg.Audio.Formats,
		DefaultFormat: cfg.Audio.DefaultFormat,
		DrainTimeout:  cfg.Session.DrainTimeout,
	})

	return Services{
		Controller: controller,
		Identity:   identities,
		Progress:   progress,
		Remote:     client,
		Bridge:     bridge,
		Config:     cfg,
		Logger:     logger,
	}
}

// Start probes the backend, loads the first sentence and counters, and runs
// the health monitor and capture bridge until ctx is done. Remote failures
// during start are reported through events and do not abort startup.
func (s Services) Start(ctx context.Context) error {
	if s.Bridge != nil {
		if err := s.serveBridge(ctx); err != nil {
			return err
		}
	}

	if err := s.Controller.ProbeBackend(ctx); err != nil {
		s.Logger.Warn("backend not reachable at startup", zap.Error(err))
	}
	if _, err := s.Progress.Advance(ctx); err != nil {
		s.Logger.Warn("could not load first sentence", zap.Error(err))
	}
	s.Progress.Refresh(ctx)

	go s.Controller.MonitorBackend(ctx, s.Config.Health.Interval)
	return nil
}

func (s Services) serveBridge(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Config.Audio.BridgeAddr,
		Handler:           s.Bridge.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen for capture page on %s: %w", server.Addr, err)
	}
	s.Logger.Info("capture bridge listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("capture bridge stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return nil
}
