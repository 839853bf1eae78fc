package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/gommon/log"

	"github.com/secretlove/love-relay/config"
	"github.com/secretlove/love-relay/metrics"
	"github.com/secretlove/love-relay/push"
	"github.com/secretlove/love-relay/relay"
	"github.com/secretlove/love-relay/server"
	"github.com/secretlove/love-relay/storage"
)

func main() {
	var cfgFile string
	flag.StringVar(&cfgFile, "config", "", "config file, environment variables override it")
	flag.Parse()

	logger := log.New("love-relay")
	logger.SetHeader(`${time_rfc3339} ${level} ${prefix} ${short_file}:${line}`)

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		panic(err)
	}
	var store storage.Storage
	if cfg.RedisServer.Addr != "" {
		store, err = storage.NewRedisStorage(cfg.RedisServer, cfg.Fallback.Retention.Duration)
		if err != nil {
			panic(err)
		}
	} else {
		logger.Warn("redis not configured, fallback store is in memory")
		store = storage.NewMemoryStorage(cfg.Fallback.Retention.Duration)
	}

	m := metrics.New()
	if !cfg.PushEnabled() {
		logger.Warnf("%s push not configured, offline users are reached through the fallback store only", cfg.PushProvider)
	}
	provider, err := push.NewProvider(context.Background(), cfg)
	if err != nil {
		panic(err)
	}
	dispatcher := push.NewDispatcher(provider, store, logger, m)
	if dispatcher.Enabled() {
		logger.Infof("%s push initialized", cfg.PushProvider)
	}

	r := relay.New(dispatcher, store, logger, m)
	r.Start()
	s := server.NewServer(cfg, store, r, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := s.StopServer(); err != nil {
			logger.Errorf("fail to stop server, err: %s", err)
		}
	}()

	logger.Infof("realtime server listening on port %d", cfg.Port)
	if err := s.StartServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
	r.Stop()

	err = store.Close()
	if err != nil {
		panic(err)
	}
}
