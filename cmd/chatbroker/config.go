package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"

	"github.com/lrhodin/chatbroker/pkg/connector"
)

// Environment variables that override secrets from the config file.
const (
	envWebhookSecret   = "CHATBROKER_WEBHOOK_SECRET"
	envGatewayAPIKey   = "CHATBROKER_GATEWAY_API_KEY"
	envBroadcastAPIKey = "CHATBROKER_BROADCAST_API_KEY"
)

func loadEnvFile(path string) {
	if path == "" {
		return
	}
	// A missing .env file is normal.
	_ = godotenv.Load(path)
}

// loadConfig upgrades the config file against the example config, creating
// it if it doesn't exist yet, and decodes the result.
func loadConfig(path string, save bool) (*connector.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(connector.ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config to %s: %w", path, err)
		}
		save = true
	}
	data, _, err := up.Do(path, save, connector.Upgrader)
	if err != nil {
		return nil, err
	}
	cfg, err := connector.ParseConfig(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if cfg.Server.WebhookSecret == "" || cfg.Server.WebhookSecret == "generate" {
		return nil, fmt.Errorf("server.webhook_secret is not set")
	}
	return cfg, nil
}

func applyEnv(cfg *connector.Config) {
	if val := os.Getenv(envWebhookSecret); val != "" {
		cfg.Server.WebhookSecret = val
	}
	if val := os.Getenv(envGatewayAPIKey); val != "" {
		cfg.Gateway.APIKey = val
	}
	if val := os.Getenv(envBroadcastAPIKey); val != "" {
		cfg.Broadcast.APIKey = val
	}
}

func setupLogging(cfg connector.LoggingConfig) *zerolog.Logger {
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	} else {
		log = zerolog.New(os.Stderr)
	}
	log = log.With().Timestamp().Logger()
	applyLogLevel(&log, cfg.Level)
	zerolog.DefaultContextLogger = &log
	return &log
}

func applyLogLevel(log *zerolog.Logger, level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
	}
}

// watchConfig re-reads the config file whenever it changes and hands the
// result to apply. Only some settings take effect without a restart.
func watchConfig(ctx context.Context, path string, apply func(*connector.Config)) error {
	log := zerolog.Ctx(ctx).With().Str("component", "config_watcher").Logger()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	// Editors often replace the file, so watch the directory.
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != absPath || !(evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create)) {
					continue
				}
				data, err := os.ReadFile(absPath)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to read changed config")
					continue
				}
				cfg, err := connector.ParseConfig(data)
				if err != nil {
					log.Warn().Err(err).Msg("Ignoring invalid config change")
					continue
				}
				applyEnv(cfg)
				log.Info().Msg("Config file changed, reloading")
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
