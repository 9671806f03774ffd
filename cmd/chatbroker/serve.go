package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatbroker/pkg/api"
	"github.com/lrhodin/chatbroker/pkg/connector"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run the webhook receiver and UI API",
	Before: prepareApp,
	Action: cmdServe,
}

func cmdServe(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBroker(runCtx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	srv := api.NewServer(b.Engine, cfg.Server, *log, b.Metrics)
	if cfg.Identity.ResyncCron != "" {
		if err = b.Engine.StartRepairScheduler(runCtx, cfg.Identity.ResyncCron); err != nil {
			return err
		}
	}
	currentSecret := cfg.Server.WebhookSecret
	err = watchConfig(runCtx, ctx.String("config"), func(newCfg *connector.Config) {
		applyLogLevel(log, newCfg.Logging.Level)
		if secret := newCfg.Server.WebhookSecret; secret != "" && secret != "generate" && secret != currentSecret {
			currentSecret = secret
			srv.SetWebhookSecret(secret)
			log.Info().Msg("Webhook secret rotated")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload is disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.Server.Listen)
	}()
	select {
	case err = <-errCh:
		return err
	case <-runCtx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
