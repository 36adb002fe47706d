// Package access persists per-request accounting records to a local sqlite
// database. It observes the hook bus; recording never blocks the request
// path.
package access

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"ccproxy-hq/ccproxy/pkg/config"
	"ccproxy-hq/ccproxy/pkg/hooks"
)

const (
	// queueDepth bounds the write-behind buffer; records beyond it are
	// dropped rather than stalling requests.
	queueDepth = 1024

	defaultRetention = 30 * 24 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id       TEXT NOT NULL,
	recorded_at      INTEGER NOT NULL,
	event            TEXT NOT NULL,
	provider         TEXT,
	endpoint         TEXT,
	model            TEXT,
	status           INTEGER,
	latency_ms       INTEGER,
	tokens_input     INTEGER,
	tokens_output    INTEGER,
	cache_read_tokens INTEGER,
	reasoning_tokens INTEGER,
	cost_usd         REAL,
	error            TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_recorded_at ON requests (recorded_at);
CREATE INDEX IF NOT EXISTS idx_requests_request_id ON requests (request_id);
`

// Record is one persisted accounting row.
type Record struct {
	RequestID  string
	RecordedAt time.Time
	Event      string
	Provider   string
	Endpoint   string
	Model      string
	Status     int
	Latency    time.Duration

	TokensInput     *int
	TokensOutput    *int
	CacheReadTokens *int
	ReasoningTokens *int
	CostUSD         *float64

	Error string
}

// Log is the sqlite-backed access log.
type Log struct {
	db        *sql.DB
	retention time.Duration
	sweeper   *cron.Cron

	queue chan Record
	done  chan struct{}
}

// Open creates (or reuses) the database at cfg.Path, starts the write-behind
// worker, and schedules the nightly retention sweep.
func Open(cfg config.AccessConfig) (*Log, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join(config.DefaultCacheDir(), "access.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("access log schema: %w", err)
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	l := &Log{
		db:        db,
		retention: retention,
		sweeper:   cron.New(),
		queue:     make(chan Record, queueDepth),
		done:      make(chan struct{}),
	}
	go l.writer()

	if _, err := l.sweeper.AddFunc("@daily", l.sweep); err != nil {
		l.Close()
		return nil, err
	}
	l.sweeper.Start()
	return l, nil
}

// Name implements hooks.Observer.
func (l *Log) Name() string { return "access-log" }

// OnEvent implements hooks.Observer. Only terminal events are recorded; a
// full queue drops the record instead of blocking.
func (l *Log) OnEvent(ctx context.Context, ev hooks.Event) {
	if ev.Type != hooks.EventRequestEnd && ev.Type != hooks.EventStreamEnd {
		return
	}

	rec := Record{
		RequestID:  ev.RequestID,
		RecordedAt: ev.Time,
		Event:      string(ev.Type),
		Provider:   ev.Provider,
		Endpoint:   ev.Endpoint,
		Model:      ev.Model,
		Status:     ev.Status,
		Latency:    ev.Latency,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	if m := ev.Metrics; m != nil {
		if rec.Model == "" {
			rec.Model = m.Model
		}
		rec.TokensInput = m.TokensInput
		rec.TokensOutput = m.TokensOutput
		rec.CacheReadTokens = m.CacheReadTokens
		rec.ReasoningTokens = m.ReasoningTokens
		rec.CostUSD = m.CostUSD
	}

	select {
	case l.queue <- rec:
	default:
		slog.DebugContext(ctx, "access log queue full, dropping record",
			"request_id", ev.RequestID)
	}
}

func (l *Log) writer() {
	defer close(l.done)
	for rec := range l.queue {
		if err := l.insert(rec); err != nil {
			slog.Warn("access log insert failed", "error", err)
		}
	}
}

func (l *Log) insert(rec Record) error {
	_, err := l.db.Exec(`
		INSERT INTO requests (
			request_id, recorded_at, event, provider, endpoint, model,
			status, latency_ms, tokens_input, tokens_output,
			cache_read_tokens, reasoning_tokens, cost_usd, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.RecordedAt.Unix(),
		rec.Event,
		rec.Provider,
		rec.Endpoint,
		rec.Model,
		rec.Status,
		rec.Latency.Milliseconds(),
		rec.TokensInput,
		rec.TokensOutput,
		rec.CacheReadTokens,
		rec.ReasoningTokens,
		rec.CostUSD,
		rec.Error,
	)
	return err
}

// sweep removes records older than the retention window.
func (l *Log) sweep() {
	cutoff := time.Now().Add(-l.retention).Unix()
	result, err := l.db.Exec(`DELETE FROM requests WHERE recorded_at < ?`, cutoff)
	if err != nil {
		slog.Warn("access log sweep failed", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("access log sweep removed records", "count", n)
	}
}

// Recent returns the newest records, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, recorded_at, event, provider, endpoint, model,
		       status, latency_ms, tokens_input, tokens_output,
		       cache_read_tokens, reasoning_tokens, cost_usd, error
		FROM requests ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var recordedAt, latencyMS int64
		if err := rows.Scan(
			&rec.RequestID, &recordedAt, &rec.Event, &rec.Provider,
			&rec.Endpoint, &rec.Model, &rec.Status, &latencyMS,
			&rec.TokensInput, &rec.TokensOutput,
			&rec.CacheReadTokens, &rec.ReasoningTokens, &rec.CostUSD,
			&rec.Error,
		); err != nil {
			return nil, err
		}
		rec.RecordedAt = time.Unix(recordedAt, 0)
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close drains the queue, stops the sweeper, and closes the database.
func (l *Log) Close() error {
	if l.sweeper != nil {
		l.sweeper.Stop()
	}
	close(l.queue)
	<-l.done
	return l.db.Close()
}
