// Command lilac-webhook runs the source-control webhook ingress: it
// verifies deliveries, shapes prompts and publishes request commands onto
// the bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stanley2058/lilac/pkg/bus/adapters/redis"
	"github.com/stanley2058/lilac/pkg/client/rest"
	"github.com/stanley2058/lilac/pkg/config"
	"github.com/stanley2058/lilac/pkg/connpool"
	"github.com/stanley2058/lilac/pkg/ghauth"
	"github.com/stanley2058/lilac/pkg/logger"
	"github.com/stanley2058/lilac/pkg/webhook"
)

type appConfig struct {
	Logger  logger.Config
	Rest    rest.Config
	Pool    connpool.Config
	Bus     redis.Config
	Webhook webhook.Config

	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     string `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// GitHubConfigDir holds the App identity material for token minting.
	GitHubConfigDir string `env:"GITHUB_CONFIG_DIR" env-default:"./github"`
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.Init(cfg.Logger)

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	pool := connpool.New(cfg.Pool, func(ctx context.Context) (connpool.Conn, error) {
		return client.Conn(), nil
	}, client, log)
	defer pool.Close()

	b := redis.New(cfg.Bus, client, pool, log)
	defer b.Close()

	restClient := rest.New(cfg.Rest)
	minter := ghauth.New(restClient, log)
	api := webhook.NewHTTPAPI(restClient, minter, cfg.GitHubConfigDir)

	server, err := webhook.New(cfg.Webhook, b, api, log)
	if err != nil {
		// A missing secret means the ingress cannot authenticate
		// deliveries; skip startup rather than accept them blind.
		log.Error("webhook server not started", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Info("webhook listener stopped", "error", err)
		}
	}()
	log.Info("webhook ingress listening", "port", cfg.Webhook.Port, "path", cfg.Webhook.Path)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}
