// Package store persists conversation messages and plans in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/reasoner/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store wraps the Postgres handle shared by the message and plan stores.
type Store struct {
	DB     *sql.DB
	logger *log.Logger
}

var (
	metricsOnce    sync.Once
	queryCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("reasoner/internal/store")
	queryCounter, metricsInitErr = meter.Int64Counter("store_queries_total",
		otelmetric.WithDescription("Store queries by operation and outcome"))
	if metricsInitErr != nil {
		log.Printf("store metrics: %v", metricsInitErr)
	}
}

func observe(ctx context.Context, op string, err error) {
	metricsOnce.Do(initStoreMetrics)
	if queryCounter == nil {
		return
	}
	queryCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	))
}

// New connects using the configured Postgres settings.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db, logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags)}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// Messages returns the message store over s.
func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

// Plans returns the plan store over s.
func (s *Store) Plans() *PlanStore { return &PlanStore{db: s.DB} }

// encodeJSON renders v for a nullable JSONB column.
func encodeJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func decodeJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
