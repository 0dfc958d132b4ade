package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/analytics-go/internal/history"
)

const DefaultTable = "delivery_history"

// Options configures the ClickHouse sink.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends records to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = DefaultTable
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) EnsureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			occurred_at DateTime64(3),
			outcome LowCardinality(String),
			event_id String,
			event_type LowCardinality(String),
			event_name String,
			distinct_id Nullable(String),
			destination LowCardinality(String),
			code Int32,
			message String,
			attempts UInt32
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, event_id)`, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, outcome, event_id, event_type, event_name, distinct_id, destination, code, message, attempts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	var distinct *string
	if r.DistinctID != "" {
		distinct = &r.DistinctID
	}
	err := s.conn.Exec(ctx, query,
		r.OccurredAt.UTC(),
		string(r.Outcome),
		r.EventID,
		r.EventType,
		r.EventName,
		distinct,
		r.Destination,
		int32(r.Code),
		r.Message,
		uint32(r.Attempts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of rows for an event id.
func (s *Sink) Count(ctx context.Context, eventID string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE event_id = ?", s.table), eventID).Scan(&n)
	return n, err
}
