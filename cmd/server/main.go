// Command server runs the line-oriented chat server (spec.md §2): it wires
// the Reactor, the fixed worker pool, the relational and KV stores, the
// caching and auth layers, and the command dispatcher, then serves until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatcore/linechat/internal/auth"
	"github.com/chatcore/linechat/internal/cache"
	"github.com/chatcore/linechat/internal/chat"
	"github.com/chatcore/linechat/internal/config"
	"github.com/chatcore/linechat/internal/distlock"
	"github.com/chatcore/linechat/internal/handlers"
	"github.com/chatcore/linechat/internal/idissuer"
	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/metrics"
	"github.com/chatcore/linechat/internal/pool"
	"github.com/chatcore/linechat/internal/reactor"
	"github.com/chatcore/linechat/internal/registry"
	"github.com/chatcore/linechat/internal/relstore"
	"github.com/chatcore/linechat/internal/room"
	"github.com/chatcore/linechat/internal/server"
	"github.com/chatcore/linechat/internal/sms"
	"github.com/chatcore/linechat/internal/wpool"
)

func main() {
	cfg := config.FromEnv()
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	db, err := relstore.OpenSQLite(cfg.RelStorePath)
	if err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}
	defer db.Close()

	relPool, err := pool.New(cfg.RelStorePoolSize, relstore.Dial(db))
	if err != nil {
		logger.Warn().Err(err).Msg("relational pool started degraded")
	}
	defer relPool.Close()

	rdb, err := kvstore.NewClient(cfg.KVAddrs, cfg.KVPassword, cfg.KVDB)
	if err != nil {
		return fmt.Errorf("connect kv store: %w", err)
	}
	defer rdb.Close()

	kvPool, err := pool.New(cfg.KVStorePoolSize, kvstore.Dial(rdb))
	if err != nil {
		logger.Warn().Err(err).Msg("kv pool started degraded")
	}
	defer kvPool.Close()

	workers := wpool.New(cfg.Workers, cfg.QueueCapacity, logger)
	defer workers.Stop()

	var cacheMetrics *metrics.CacheMetrics
	if cfg.EnableMetrics {
		cacheMetrics = metrics.NewCacheMetrics("linechat", true)
	}

	engine := cache.NewEngine(kvPool, submitterAdapter{workers}, 50, logger, cacheMetrics)

	sessionAuth := auth.New(relPool, kvPool, engine, cfg.DirectoryCacheCapacity, cfg.DirectoryCacheTTL)
	rooms := room.New()
	persistence := chat.New(relPool, engine, logger)
	ids := idissuer.New(kvPool, cfg.IDEpoch, cfg.WorkerID)
	smsSvc := sms.New(kvPool, logger)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	watchLeadership(leaderCtx, kvPool, logger)

	dispatcher := handlers.New(sessionAuth, rooms, persistence, ids, smsSvc, cfg.MaxRoomCapacity, logger)

	rct, err := reactor.New(cfg.EdgeTriggered, logger)
	if err != nil {
		return fmt.Errorf("create reactor: %w", err)
	}
	defer rct.Close()

	reg := registry.New()
	srv := server.New(rct, reg, workers, rooms, logger, dispatcher.Handle)
	dispatcher.SetBroadcaster(srv)

	if err := srv.Start(cfg.ListenAddr); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	loopErr := make(chan error, 1)
	go func() { loopErr <- rct.Loop() }()

	select {
	case <-sig:
		logger.Info().Msg("shutdown signal received")
	case err := <-loopErr:
		return fmt.Errorf("reactor loop exited: %w", err)
	}

	srv.Stop()
	rct.Stop()
	<-loopErr
	return nil
}

// watchLeadership demonstrates DistLock's use: a single instance among a
// fleet holds "leader:cache-rebuild" with a 30s TTL and runs a watchdog
// that renews it every 15s while this process is alive; if the process
// dies, the key expires once its remaining TTL runs out.
// Non-leaders simply skip the periodic task this lock would gate; nothing
// in this single-process deployment currently depends on it running.
func watchLeadership(ctx context.Context, kv *pool.Pool[kvstore.Conn], log zerolog.Logger) {
	lock, ok, err := distlock.TryLock(ctx, kv, "leader:cache-rebuild", 30*time.Second, log)
	if err != nil || !ok {
		return
	}
	lock.StartWatchdog()
	go func() {
		<-lock.Lost()
		log.Warn().Msg("lost cache-rebuild leadership")
	}()
}

// submitterAdapter adapts wpool.Pool to cache.Submitter so background
// cache rebuilds run on the same fixed worker pool as request handling
// (spec.md §5's concurrency note), rather than spawning unbounded
// goroutines.
type submitterAdapter struct{ w *wpool.Pool }

func (s submitterAdapter) Submit(task func()) bool { return s.w.Submit(task) }
