package chdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
)

// Fully qualified table names used by the services.
const (
	TableSpots         = "wsprnet.spots"
	TableSpotsOverflow = "wsprnet.spots_frequency_overflow"
	TableSpotsExtended = "wsprdaemon.spots_extended"
	TableNoise         = "wsprdaemon.noise"
)

const insertAttempts = 5

// Client wraps a ClickHouse connection with bounded batched inserts and
// transient-failure retry.
type Client struct {
	conn      driver.Conn
	batchSize int
	logger    zerolog.Logger
}

// Open connects over the native protocol and verifies the server with a
// ping before returning.
func Open(ctx context.Context, cfg appconfig.DatabaseConfig, logger zerolog.Logger) (*Client, error) {
	dialTimeout := cfg.DialTimeout()
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:     dialTimeout,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10000
	}

	return &Client{
		conn:      conn,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "chdb").Logger(),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// InsertBatch writes rows into table as one or more blocks of at most
// batch_size rows each. Transient failures are retried with exponential
// backoff (1s doubling to 60s, 5 attempts per block); permanent failures
// surface immediately. The columns slice fixes the positional meaning of
// every row.
func (c *Client) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query := insertQuery(table, columns)
	for start := 0; start < len(rows); start += c.batchSize {
		end := min(start+c.batchSize, len(rows))
		if err := c.sendBlock(ctx, query, rows[start:end]); err != nil {
			return fmt.Errorf("insert %d rows into %s: %w", end-start, table, err)
		}
	}
	return nil
}

func insertQuery(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(columns, ", "))
}

func (c *Client) sendBlock(ctx context.Context, query string, rows [][]any) error {
	op := func() error {
		batch, err := c.conn.PrepareBatch(ctx, query)
		if err != nil {
			return retryable(err)
		}
		for _, row := range rows {
			if err := batch.Append(row...); err != nil {
				_ = batch.Abort()
				return retryable(err)
			}
		}
		if err := batch.Send(); err != nil {
			return retryable(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Int("rows", len(rows)).Msg("insert failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, insertAttempts-1), ctx), notify)
}

func retryable(err error) error {
	if IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// Server states worth retrying. Any other server-reported code is a
// schema, type, or permission problem that retrying cannot fix.
var transientCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	164: true, // READONLY
	173: true, // CANNOT_ALLOCATE_MEMORY
	201: true, // QUOTA_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	203: true, // NO_FREE_CONNECTION
	209: true, // SOCKET_TIMEOUT
	210: true, // NETWORK_ERROR
	241: true, // MEMORY_LIMIT_EXCEEDED
	242: true, // TABLE_IS_READ_ONLY
	252: true, // TOO_MANY_PARTS
	439: true, // CANNOT_SCHEDULE_TASK
}

// IsTransient reports whether err is worth retrying. Server exceptions are
// classified by code; everything else except context cancellation is
// assumed to be network plumbing, where the retry cap bounds the cost of a
// wrong guess and a dropped batch would not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		return transientCodes[ex.Code]
	}
	return true
}

// HighestSpotID returns the largest aggregator spot id present in the
// spots table, or 0 when the table is empty.
func (c *Client) HighestSpotID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := c.conn.QueryRow(ctx, "SELECT max(id) FROM "+TableSpots).Scan(&id); err != nil {
		return 0, fmt.Errorf("query max spot id: %w", err)
	}
	return id, nil
}

// Exec runs a single DDL or administrative statement.
func (c *Client) Exec(ctx context.Context, query string) error {
	return c.conn.Exec(ctx, query)
}

// Query runs a read query and returns the driver row iterator.
func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}
