package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	router "github.com/unerue/studytube/internal/adapters/http"
	lectures "github.com/unerue/studytube/internal/adapters/signal"
	"github.com/unerue/studytube/internal/app"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/auth"
	"github.com/unerue/studytube/internal/config"
	"github.com/unerue/studytube/internal/logging"
	"github.com/unerue/studytube/internal/metrics"
	"github.com/unerue/studytube/internal/stt"
	"github.com/unerue/studytube/internal/version"
)

const shutdownTimeout = 10 * time.Second

func NewServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lecture server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logging.Init(cfg.LogLevel, cfg.Mode)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg)
		},
	}
}

// Server is the wired process: every long lived component built from cfg.
type Server struct {
	HTTP     *http.Server
	Registry *app.Registry
	Archive  *app.AsyncArchive
	Metrics  *metrics.Collector
}

func engineFactory(cfg config.STTConfig) (stt.EngineFactory, error) {
	switch cfg.Engine {
	case "", "none":
		return stt.NopFactory, nil
	case "http":
		return stt.HTTPFactory(stt.HTTPConfig{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Language:   cfg.Language,
			Model:      cfg.Model,
			Window:     cfg.Window,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	}
	return nil, fmt.Errorf("%w: stt.engine %q", config.ErrInvalid, cfg.Engine)
}

// Build wires the process without starting it.
func Build(cfg *config.Config) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engines, err := engineFactory(cfg.STT)
	if err != nil {
		return nil, err
	}
	norm := audio.DefaultNormalizerConfig()
	norm.TargetSampleRate = cfg.Audio.SampleRate
	norm.MinConvertBytes = cfg.Audio.MinConvertBytes

	history := app.NewMemoryArchive(cfg.Archive.History)
	archive := app.NewAsyncArchive(history, cfg.Archive.QueueSize, func() { m.Error(metrics.KindArchive) })

	registry := app.NewRegistry(app.Deps{
		Normalizer:     audio.NewNormalizer(norm),
		FlushThreshold: cfg.Audio.FlushThreshold,
		Engines:        engines,
		STT: stt.Config{
			PollInterval:      cfg.STT.PollInterval,
			HeartbeatInterval: cfg.STT.HeartbeatInterval,
			InitTimeout:       cfg.STT.InitTimeout,
			JoinTimeout:       cfg.STT.JoinTimeout,
			FeedQueue:         cfg.STT.FeedQueue,
			ResultQueue:       cfg.STT.ResultQueue,
		},
		Metrics: m,
		Archive: archive,
	})

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	}
	gateway := lectures.NewSignalWSController(registry, app.OpenDirectory{MaxParticipants: cfg.Rooms.MaxParticipants}, verifier, m, lectures.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.WS.SendBuffer,
		SendTimeout:    cfg.WS.SendTimeout,
		WriteTimeout:   cfg.WS.WriteTimeout,
		ChatLimit:      cfg.WS.ChatLimit,
		ChatWindow:     cfg.WS.ChatWindow,
		AuthTimeout:    cfg.WS.AuthTimeout,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	})

	r := router.SetupRouter(cfg, router.Deps{
		Registry: registry,
		History:  archive,
		Lectures: gateway,
		Gatherer: reg,
	})
	return &Server{
		HTTP: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Registry: registry,
		Archive:  archive,
		Metrics:  m,
	}, nil
}

// Serve runs the server until ctx is done, then drains it.
func Serve(ctx context.Context, cfg *config.Config) error {
	s, err := Build(cfg)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("module", "cli").Str("addr", s.HTTP.Addr).Str("version", version.Version).Msg("studytube server started")
		if err := s.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})
	return eg.Wait()
}

// Shutdown stops accepting requests, closes every lecture connection, stops
// every recognizer and flushes the chat archive.
func (s *Server) Shutdown() error {
	log.Info().Str("module", "cli").Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpErr := s.HTTP.Shutdown(ctx)
	if httpErr != nil {
		log.Error().Err(httpErr).Str("module", "cli").Msg("server forced to shutdown")
	}
	regErr := s.Registry.Shutdown(ctx)
	s.Archive.Close()
	log.Info().Str("module", "cli").Msg("server exited gracefully")
	return errors.Join(httpErr, regErr)
}
