// Command lilac-worker consumes request commands from the bus, runs the
// configured agent runtime and streams output back to the surface.
//
// The agent runtime is an external collaborator; this binary wires a
// placeholder echo runner so the pipeline can be exercised end to end
// without one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stanley2058/lilac/pkg/bus/adapters/redis"
	"github.com/stanley2058/lilac/pkg/config"
	"github.com/stanley2058/lilac/pkg/connpool"
	"github.com/stanley2058/lilac/pkg/events"
	"github.com/stanley2058/lilac/pkg/logger"
	"github.com/stanley2058/lilac/pkg/msgcache"
	"github.com/stanley2058/lilac/pkg/surface"
	surfmem "github.com/stanley2058/lilac/pkg/surface/adapters/memory"
	"github.com/stanley2058/lilac/pkg/worker"
)

type appConfig struct {
	Logger logger.Config
	Pool   connpool.Config
	Bus    redis.Config
	Cache  msgcache.Config
	Worker worker.Config

	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     string `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
}

// echoRunner is the placeholder runtime: it answers with the last user
// message. Replace with the real agent runtime integration.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, requestID string, messages []events.AgentMessage, out surface.OutputStream) error {
	var last string
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return out.PushFinal(ctx, "received:\n"+strings.TrimSpace(last))
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

	cache, err := msgcache.New(b, cfg.Cache, log)
	if err != nil {
		log.Error("failed to start message cache", "error", err)
		os.Exit(1)
	}
	defer cache.Stop()

	w := worker.New(cfg.Worker, b, cache, echoRunner{}, surfmem.New(), log)
	if err := w.Start(); err != nil {
		log.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	log.Info("worker consuming requests", "subscription_id", cfg.Worker.SubscriptionID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	w.Stop()
}
