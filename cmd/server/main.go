package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Tyrowin/huddle/internal/history"
	"github.com/Tyrowin/huddle/internal/logging"
	"github.com/Tyrowin/huddle/internal/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := server.NewConfigFromEnv()
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	logger.Info().
		Str("addr", cfg.Port).
		Strs("origins", cfg.AllowedOrigins).
		Str("history", cfg.History.Driver).
		Msg("starting huddle server")

	store, err := openHistory(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open message history")
	}

	s := server.New(*cfg, store, logger)

	go func() {
		if err := s.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	// Operations run concurrently; history is closed after the hub so no
	// in-flight message:send hits a closed store.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return s.ShutdownHTTP(ctx)
			},
			"hub": func(ctx context.Context) error {
				hubErr := s.ShutdownHub(remaining(ctx))
				if err := store.Close(); err != nil {
					logger.Error().Err(err).Msg("failed to close message history")
					return err
				}
				return hubErr
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("huddle server exited")
	os.Exit(exitCode)
}

func openHistory(cfg *server.Config, logger zerolog.Logger) (history.Log, error) {
	switch cfg.History.Driver {
	case server.HistoryMemory:
		return history.NewMemoryLog(cfg.History.Max), nil
	case server.HistorySQLite:
		verbose := logging.ParseLevel(cfg.LogLevel) <= zerolog.DebugLevel
		store, err := history.OpenSQLite(cfg.History.SQLitePath, verbose)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.History.SQLitePath).Msg("using sqlite message history")
		return store, nil
	case server.HistoryRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := history.DialRedis(ctx, cfg.History.RedisAddr, cfg.History.RedisKey, cfg.History.Max)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.History.RedisAddr).Msg("using redis message history")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.History.Driver)
	}
}

// remaining converts ctx's deadline into a timeout for APIs that take one.
func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return 0
	}
	return shutdownTimeout
}
