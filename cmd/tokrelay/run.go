package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blackmichael/tokrelay/internal/classify"
	"github.com/blackmichael/tokrelay/internal/command"
	"github.com/blackmichael/tokrelay/internal/config"
	"github.com/blackmichael/tokrelay/internal/credentials"
	"github.com/blackmichael/tokrelay/internal/delivery"
	"github.com/blackmichael/tokrelay/internal/download"
	"github.com/blackmichael/tokrelay/internal/extract"
	"github.com/blackmichael/tokrelay/internal/ffmpeg"
	"github.com/blackmichael/tokrelay/internal/httpserver"
	"github.com/blackmichael/tokrelay/internal/logging"
	"github.com/blackmichael/tokrelay/internal/metrics"
	"github.com/blackmichael/tokrelay/internal/relay"
	"github.com/blackmichael/tokrelay/internal/source"
	"github.com/blackmichael/tokrelay/internal/sqlite"
	"github.com/blackmichael/tokrelay/internal/telegram"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process every creator once, or keep watching when interval_minutes is set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func loadConfig() (*config.Config, logging.Logger, error) {
	loaded := config.LoadEnv()

	cfg, err := config.Load(configPath, creatorsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Settings.LogLevel)
	if len(loaded) > 0 {
		logger.WithField("files", loaded).Debug("loaded env files")
	}
	return cfg, logger, nil
}

func run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logging.AddFields(logger, logging.Fields{"run_id": uuid.NewString()})
	s := cfg.Settings

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := sqlite.Open(ctx, s.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()
	logger.WithField("path", s.DatabasePath).Info("opened ledger")

	creds, err := credentials.NewRotator(s.CookiesDir, logger)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	m := metrics.New()
	runner := command.Exec{}
	backend := extract.NewYTDLP(runner)
	tool := ffmpeg.New(runner, logger)
	if !tool.Available() {
		logger.Warn("ffmpeg not found, videos are sent as downloaded")
	}

	policy := classify.DefaultPolicy()
	policy.PreferVideo = s.PreferVideo()
	classifier := classify.New(backend, creds, policy, logger)
	src := source.New(backend, classifier, creds, s.PlatformURL, source.DefaultBackoff(), logger)
	orchestrator := download.New(backend, runner, tool, creds, download.Options{
		Root:    s.DownloadRoot,
		BaseURL: s.PlatformURL,
	}, logger)

	opts := delivery.DefaultOptions()
	opts.ChunkDelay = time.Duration(s.ChunkDelay * float64(time.Second))
	opts.PostDelayMin, opts.PostDelayMax = config.Range(s.DelayBetweenPostsMin, s.DelayBetweenPostsMax)
	opts.LocalAPI = cfg.Telegram.LocalAPI
	channel := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken)
	pipeline := delivery.New(channel, tool, ledger, m, opts, logger)

	creatorMin, creatorMax := config.Range(s.DelayBetweenCreatorsMin, s.DelayBetweenCreatorsMax)
	controller := relay.New(src, orchestrator, ledger, pipeline, creds, m, relay.Options{
		FetchDepth:      s.FetchDepth,
		QueueSize:       s.QueueSize,
		CreatorDelayMin: creatorMin,
		CreatorDelayMax: creatorMax,
		Interval:        s.Interval(),
	}, logger)

	if s.StatusAddr != "" {
		server := httpserver.NewServer(s.StatusAddr, ledger, m, logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("status server exited with error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("error shutting down status server")
			}
		}()
	}

	creators := make([]relay.Creator, len(cfg.Creators))
	for i, cr := range cfg.Creators {
		creators[i] = relay.Creator{
			Username: cr.Username,
			Target:   telegram.Target{ChatID: cfg.TargetChat(cr), ThreadID: cr.ThreadID},
		}
	}

	logger.WithFields(logging.Fields{
		"creators":  len(creators),
		"interval":  s.Interval().String(),
		"local_api": cfg.Telegram.LocalAPI,
	}).Info("tokrelay started")

	if err := controller.Run(ctx, creators); err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.Info("shutdown complete")
	} else {
		logger.Info("run complete")
	}
	return nil
}
