package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexbotov/mjapi/internal/bridge"
	"github.com/alexbotov/mjapi/internal/config"
	"github.com/alexbotov/mjapi/internal/logger"
	"github.com/alexbotov/mjapi/internal/mockserver"
	"github.com/alexbotov/mjapi/pkg/mjapi"
)

const usage = `usage: mjapi <command> [-config file]

commands:
  mock     run a local MJAPI server
  bridge   relay websocket front-ends through one MJAPI client
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	flags := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := flags.String("config", os.Getenv("MJAPI_CONFIG"), "path to YAML config file")
	flags.Parse(os.Args[2:])

	var run func(context.Context, *config.Config) error
	switch cmd {
	case "mock":
		run = runMock
	case "bridge":
		run = runBridge
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logFile := logger.Init(cfg.Logger())
	defer logFile.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log := logger.New("main")
		log.Error().Err(err).Str("command", cmd).Msg("exiting")
		logFile.Close()
		os.Exit(1)
	}
}

func runMock(ctx context.Context, cfg *config.Config) error {
	log := logger.New("mock")

	store, err := mockserver.OpenStore(ctx, cfg.Mock.Driver, cfg.Mock.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := mockserver.New(store, mockserver.NewTokenIssuer(cfg.Mock.JWTSecret, cfg.Mock.TokenExpiry), mockserver.Config{
		Models:     cfg.Mock.Models,
		QueryLimit: cfg.Mock.QueryLimit,
		TrialCode:  mjapi.TrialCode,
	}, log)

	log.Info().
		Str("addr", cfg.Mock.Addr).
		Str("driver", cfg.Mock.Driver).
		Strs("models", cfg.Mock.Models).
		Msg("starting mock MJAPI server")
	return serve(ctx, &http.Server{Addr: cfg.Mock.Addr, Handler: srv.Router()})
}

func runBridge(ctx context.Context, cfg *config.Config) error {
	log := logger.New("bridge")
	clientLog := logger.New("client")

	client := mjapi.NewClient(&mjapi.ClientConfig{
		BaseURL: cfg.Client.BaseURL,
		Timeout: cfg.Client.Timeout,
		Logger:  &clientLog,
	})
	defer client.Close()

	if cfg.Client.Name != "" {
		if err := client.Login(ctx, cfg.Client.Name, cfg.Client.Secret); err != nil {
			return fmt.Errorf("login as %s: %w", cfg.Client.Name, err)
		}
	} else {
		if err := client.Trial(ctx); err != nil {
			return fmt.Errorf("trial login: %w", err)
		}
		log.Warn().Msg("no MJAPI_NAME set, using a trial account")
	}

	b := bridge.New(client, bridge.Defaults{Bound: cfg.Bridge.Bound, Model: cfg.Bridge.Model}, log)

	log.Info().
		Str("addr", cfg.Bridge.Addr).
		Str("upstream", cfg.Client.BaseURL).
		Msg("starting bridge")
	err := serve(ctx, &http.Server{Addr: cfg.Bridge.Addr, Handler: b.Router()})

	// Best effort; the session is useless once the bridge is gone.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout)
	defer cancel()
	client.StopBot(stopCtx)
	return err
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
