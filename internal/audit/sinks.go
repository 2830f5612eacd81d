package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// Producer publishes one message. client.KafkaProducer implements it.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes each event as JSON keyed by identifier so one caller's
// events stay ordered within a partition.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(p Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		key := e.Identifier
		if key == "" {
			key = e.ID.String()
		}
		headers := map[string]string{"event_type": string(e.Type), "source": e.Source}
		if err := s.producer.ProduceMessage(ctx, []byte(key), value, headers); err != nil {
			return err
		}
	}
	return nil
}

// BatchWriter is the ClickHouse surface the sink needs.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ClickHouseSink appends events to a MergeTree table.
type ClickHouseSink struct {
	conn  BatchWriter
	table string
}

func NewClickHouseSink(conn BatchWriter, table string) (*ClickHouseSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Name() string {
	return "clickhouse"
}

// EnsureTable creates the events table when it does not exist.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID,
	type LowCardinality(String),
	source LowCardinality(String),
	identifier String,
	policy LowCardinality(String),
	outcome LowCardinality(String),
	remote_addr String,
	attributes Map(String, String),
	occurred_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (type, occurred_at)
TTL toDateTime(occurred_at) + INTERVAL 90 DAY`, s.table))
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		rows = append(rows, []interface{}{
			e.ID, string(e.Type), e.Source, e.Identifier, e.Policy, e.Outcome, e.RemoteAddr, attrs, e.OccurredAt,
		})
	}
	return s.conn.BatchInsert(ctx, "INSERT INTO "+s.table, rows)
}
