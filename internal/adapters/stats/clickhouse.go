package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTable = `CREATE TABLE IF NOT EXISTS room_events (
	at          DateTime64(3),
	node        LowCardinality(String),
	kind        LowCardinality(String),
	room_id     String,
	peer_id     String,
	producer_id String,
	media_kind  LowCardinality(String)
) ENGINE = MergeTree ORDER BY (room_id, at)`

type ClickHouseOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// ClickHouseWriter appends rows to the room_events table.
type ClickHouseWriter struct {
	conn driver.Conn
}

func OpenClickHouse(ctx context.Context, opts ClickHouseOptions) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create room_events: %w", err)
	}
	return &ClickHouseWriter{conn: conn}, nil
}

func (w *ClickHouseWriter) Write(ctx context.Context, rows []Row) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO room_events")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
