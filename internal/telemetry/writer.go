package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"opt-scalp-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// DecisionSample is one entry-gate evaluation, emitted for observability.
type DecisionSample struct {
	Time      time.Time
	Side      string
	Symbol    string
	Enter     bool
	Score     float64
	MinScore  float64
	BlockedBy string
	Reason    string
	Spread    float64
}

// ExecutionSample is one order lifecycle outcome: filled, rejected or
// exited.
type ExecutionSample struct {
	Time     time.Time
	Outcome  string
	Side     string
	Symbol   string
	Price    float64
	Slippage float64
	Pnl      float64
	Reason   string
}

// Writer ships samples to a Timescale/Postgres sink. Emission is advisory:
// a full queue drops the sample and the control loop never waits.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	decisions chan DecisionSample
	execs     chan ExecutionSample
	started   atomic.Bool
	dropDec   atomic.Uint64
	dropExec  atomic.Uint64
}

func New(cfg config.TelemetryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("telemetry dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		decisions: make(chan DecisionSample, queueSize),
		execs:     make(chan ExecutionSample, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EmitDecision(sample DecisionSample) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- sample:
	default:
		if w.dropDec.Add(1) == 1 && w.log != nil {
			w.log.Warn("telemetry decision queue full")
		}
	}
}

func (w *Writer) EmitExecution(sample ExecutionSample) {
	if w == nil {
		return
	}
	select {
	case w.execs <- sample:
	default:
		if w.dropExec.Add(1) == 1 && w.log != nil {
			w.log.Warn("telemetry execution queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.decisions:
			w.writeDecision(ctx, sample)
		case sample := <-w.execs:
			w.writeExecution(ctx, sample)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("telemetry db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		side TEXT NOT NULL,
		symbol TEXT NOT NULL,
		enter BOOLEAN NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		min_score DOUBLE PRECISION NOT NULL,
		blocked_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		spread DOUBLE PRECISION NOT NULL
	)`, w.table("decision_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		outcome TEXT NOT NULL,
		side TEXT NOT NULL,
		symbol TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		slippage DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	)`, w.table("execution_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"decision_samples", "execution_samples"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeDecision(ctx context.Context, sample DecisionSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, side, symbol, enter, score, min_score, blocked_by, reason, spread
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("decision_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Side,
		sample.Symbol,
		sample.Enter,
		sample.Score,
		sample.MinScore,
		sample.BlockedBy,
		sample.Reason,
		sample.Spread,
	); err != nil && w.log != nil {
		w.log.Warn("telemetry decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writeExecution(ctx context.Context, sample ExecutionSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, outcome, side, symbol, price, slippage, pnl, reason
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("execution_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Outcome,
		sample.Side,
		sample.Symbol,
		sample.Price,
		sample.Slippage,
		sample.Pnl,
		sample.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("telemetry execution insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
