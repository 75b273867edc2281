package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"matchbook/internal/engine"
	"matchbook/internal/protocol"
	"matchbook/internal/server"
	"matchbook/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Non-fatal: the teacher's own startup logs this and continues,
		// since a deployed process typically gets its environment from
		// the platform rather than a .env file.
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

	dsn := os.Getenv("DB_DSN")
	st, err := store.Connect(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	eng := engine.New(st, engine.WithLogger(log))
	logOpenOrderCounts(context.Background(), eng, log)

	router := protocol.NewRouter(eng, log)

	cfg := server.Config{
		Address:        getEnv("LISTEN_ADDR", "0.0.0.0"),
		Port:           getEnvInt("LISTEN_PORT", 9001),
		ReadTimeout:    time.Duration(getEnvInt("READ_TIMEOUT_MS", 5000)) * time.Millisecond,
		WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 16),
	}
	srv := server.New(cfg, router, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return srv.Run(ctx)
	})
	t.Go(func() error {
		return pingStore(ctx, st, log)
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	if err := t.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
}

// logOpenOrderCounts logs, per symbol with resting OPEN orders, the number
// of distinct bid and ask price levels at boot (not the number of orders),
// adapted from the teacher's LoadOpenOrders diagnostic. No
// in-memory book state is kept between requests; this is a log line,
// not a cache (§3 "Ownership").
func logOpenOrderCounts(ctx context.Context, eng *engine.Engine, log zerolog.Logger) {
	symbols, err := eng.Symbols(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list symbols for startup book recovery log")
		return
	}
	for _, symbol := range symbols {
		snap, err := eng.Snapshot(ctx, symbol, 0)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to read startup book snapshot")
			continue
		}
		log.Info().Str("symbol", symbol).Int("bids", len(snap.Bids)).Int("asks", len(snap.Asks)).Msg("startup book state")
	}
}

func pingStore(ctx context.Context, st store.Store, log zerolog.Logger) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tx, err := st.Begin(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("store health ping failed")
				continue
			}
			tx.Rollback()
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
