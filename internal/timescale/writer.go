// Package timescale persists the informational event stream for later
// analysis: per-tick delta readings and hedge cycle outcomes. Writes
// are asynchronous and lossy by design; the trading loop never waits
// on the database.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/stream"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type DeltaTick struct {
	Time         time.Time
	Symbol       string
	NetUSD       float64
	GrossUSD     float64
	DeviationPct float64
	Unpriced     int
}

type CycleEvent struct {
	Time    time.Time
	Symbol  string
	Outcome string
	State   string
	Qty     float64
	NetUSD  float64
	APY     float64
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	ticks      chan DeltaTick
	cycles     chan CycleEvent
	started    atomic.Bool
	dropTicks  atomic.Uint64
	dropCycles atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
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
		db:     db,
		log:    log,
		schema: schema,
		ticks:  make(chan DeltaTick, queueSize),
		cycles: make(chan CycleEvent, queueSize),
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

// Consume maps bus events onto the writer queues. Safe to call on a
// nil writer so wiring does not need to special-case a disabled sink.
func (w *Writer) Consume(ctx context.Context, events <-chan stream.Event) {
	if w == nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-events:
					if !ok {
						return
					}
				}
			}
		}()
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				w.consumeEvent(ev)
			}
		}
	}()
}

func (w *Writer) consumeEvent(ev stream.Event) {
	switch ev.Type {
	case stream.TypeDeltaTick:
		w.EnqueueTick(DeltaTick{
			Time:         ev.At,
			Symbol:       ev.Tags["symbol"],
			NetUSD:       ev.Values["net_usd"],
			GrossUSD:     ev.Values["gross_usd"],
			DeviationPct: ev.Values["deviation_pct"],
			Unpriced:     int(ev.Values["unpriced"]),
		})
	case stream.TypeCycleOutcome:
		w.EnqueueCycle(CycleEvent{
			Time:    ev.At,
			Symbol:  ev.Tags["symbol"],
			Outcome: ev.Tags["outcome"],
			State:   ev.Tags["state"],
			Qty:     ev.Values["qty"],
			NetUSD:  ev.Values["net_usd"],
			APY:     ev.Values["entry_apy"],
		})
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueTick(tick DeltaTick) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- tick:
		return
	default:
		if w.dropTicks.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale tick queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(cycle CycleEvent) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- cycle:
		return
	default:
		if w.dropCycles.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-w.ticks:
			w.writeTick(ctx, tick)
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		net_usd DOUBLE PRECISION NOT NULL,
		gross_usd DOUBLE PRECISION NOT NULL,
		deviation_pct DOUBLE PRECISION NOT NULL,
		unpriced INTEGER NOT NULL DEFAULT 0
	)`, w.table("delta_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		outcome TEXT NOT NULL,
		state TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_apy DOUBLE PRECISION NOT NULL DEFAULT 0
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("delta_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale delta_ticks hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_cycles"))); err != nil && w.log != nil {
		w.log.Warn("timescale hedge_cycles hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTick(ctx context.Context, tick DeltaTick) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, net_usd, gross_usd, deviation_pct, unpriced
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("delta_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		tick.Time,
		tick.Symbol,
		tick.NetUSD,
		tick.GrossUSD,
		tick.DeviationPct,
		tick.Unpriced,
	); err != nil && w.log != nil {
		w.log.Warn("timescale tick insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, cycle CycleEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, outcome, state, qty, net_usd, entry_apy
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		cycle.Time,
		cycle.Symbol,
		cycle.Outcome,
		cycle.State,
		cycle.Qty,
		cycle.NetUSD,
		cycle.APY,
	); err != nil && w.log != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
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
