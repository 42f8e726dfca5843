//go:build integration

package writer_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"candlestream/breaker"
	"candlestream/candle"
	"candlestream/clock"
	"candlestream/metricsink"
	"candlestream/writer"
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol text NOT NULL,
	interval text NOT NULL,
	open_time timestamptz NOT NULL,
	open double precision NOT NULL,
	high double precision NOT NULL,
	low double precision NOT NULL,
	close double precision NOT NULL,
	volume double precision NOT NULL,
	trade_count bigint NOT NULL,
	ingest_time timestamptz NOT NULL,
	PRIMARY KEY (symbol, interval, open_time)
);`

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "timescale/timescaledb:latest-pg16",
		postgres.WithDatabase("candlestream_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start timescaledb container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return pool
}

func TestWriterUpsertIsIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	b := breaker.New(5, time.Minute, 0, clock.Real{})
	w := writer.New(pool, "candles", b, 3, 10*time.Millisecond, clock.Real{}, zerolog.Nop(), metricsink.New())

	openTime := time.Now().UTC().Truncate(time.Minute)
	c := candle.Candle{
		Symbol: "BTC-USD", Interval: "1m", OpenTime: openTime,
		Open: 100, High: 110, Low: 95, Close: 105, Volume: 42, TradeCount: 7,
		IngestTime: time.Now().UTC(),
	}
	batch := candle.Batch{Candles: []candle.Candle{c}, CoveredOffset: map[int32]int64{0: 1}, SealedAt: time.Now()}

	if _, err := w.Submit(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error on first submit: %v", err)
	}

	c.Close = 999 // replay with a changed value, simulating redelivery after a partial commit
	batch2 := candle.Batch{Candles: []candle.Candle{c}, CoveredOffset: map[int32]int64{0: 2}, SealedAt: time.Now()}
	if _, err := w.Submit(context.Background(), batch2); err != nil {
		t.Fatalf("unexpected error on replayed submit: %v", err)
	}

	var count int
	var closeVal float64
	if err := pool.QueryRow(context.Background(),
		"SELECT COUNT(*), MAX(close) FROM candles WHERE symbol = $1 AND interval = $2 AND open_time = $3",
		"BTC-USD", "1m", openTime).Scan(&count, &closeVal); err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}

	if count != 1 {
		t.Errorf("expected exactly 1 row after replay (idempotent upsert), got %d", count)
	}
	if closeVal != 999 {
		t.Errorf("expected replayed row to reflect the latest values (close=999), got %v", closeVal)
	}
}
