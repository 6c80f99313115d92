package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ably/ably-go/ably"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"hxann.com/chess-coordinator/config"
	"hxann.com/chess-coordinator/coordinator"
	"hxann.com/chess-coordinator/gateway"
	"hxann.com/chess-coordinator/logger"
	"hxann.com/chess-coordinator/queue"
	"hxann.com/chess-coordinator/shared"
	"hxann.com/chess-coordinator/signaling"
	"hxann.com/chess-coordinator/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.Debug)
	log.Info().Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Redis
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		panic(err)
	}
	redisClient := redis.NewClient(opt)

	pool := goredis.NewPool(redisClient)
	rs := redsync.New(pool)

	// Ably
	ablyClient, err := ably.NewRealtime(ably.WithKey(cfg.AblyAPIKey))
	if err != nil {
		panic(err)
	}
	gCtx = context.WithValue(gCtx, shared.AblyCtxKey{}, ablyClient)

	store := signaling.NewRedisStore(redisClient)
	sw := sweeper.New(redisClient, rs, store, log)
	coord := coordinator.New(coordinator.NewRegistry(), sw, log)

	// Inbound events from the Ably reactor queue
	g.Go(queue.New(gCtx, cfg, coord, log))

	// Signaling record garbage collection
	g.Go(sw.Run(gCtx))

	// Websocket gateway
	gw := gateway.New(coord, log)
	gatewaySrv := &http.Server{Addr: cfg.ListenAddr, Handler: gw.Handler()}
	g.Go(serve(gCtx, gatewaySrv))

	// Metrics
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	g.Go(serve(gCtx, metricsSrv))

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("error group")
	}
	log.Info().Msg("exiting")
}

func serve(ctx context.Context, srv *http.Server) func() error {
	return func() error {
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
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}
