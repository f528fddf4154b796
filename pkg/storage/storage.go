package storage

import (
	"context"
	"time"

	"doh-relay/pkg/config"
)

// Storage defines the interface for query log backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Query logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)
	GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// QueryLog represents one handled DNS query.
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	AnswerCount    int       `json:"answer_count"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Dropped        bool      `json:"dropped"`
}

// Statistics represents aggregated query statistics.
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	DroppedQueries    int64     `json:"dropped_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	DropRate          float64   `json:"drop_rate"`
}

// DomainStats represents per-domain aggregates.
type DomainStats struct {
	LastQueried  time.Time `json:"last_queried"`
	FirstQueried time.Time `json:"first_queried,omitempty"`
	Domain       string    `json:"domain"`
	QueryCount   int64     `json:"query_count"`
}

// New creates the configured storage backend. Returns (nil, nil) when
// storage is disabled; callers treat a nil Storage as a no-op sink.
func New(cfg *config.StorageConfig, metrics MetricsRecorder) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	return NewSQLiteStorage(cfg, metrics)
}
