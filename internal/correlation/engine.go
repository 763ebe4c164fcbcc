// Package correlation computes per-transaction risk metrics by correlating
// large transfers, logins and receipts held in the window index.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ledger-risk/internal/ledger"
	"ledger-risk/internal/metrics"
	"ledger-risk/internal/window"
)

// Mode selects how the engine obtains its window index.
type Mode string

const (
	// ModeOnDemand builds a private index from ledger scans for each query.
	ModeOnDemand Mode = "on_demand"
	// ModeMaintained keeps a live index current through ingestion and
	// periodic ledger sync.
	ModeMaintained Mode = "maintained"
)

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	Window            window.Config
	PassThroughWindow time.Duration // inbound to outbound pairing window
	PostLoginWindow   time.Duration // login to outbound pairing window
	Mode              Mode
	SyncInterval      time.Duration // how often the live index is synced and evicted
	SyncOverlap       time.Duration // re-scan margin for late ledger writes
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Window:            window.DefaultConfig(),
		PassThroughWindow: 2 * time.Minute,
		PostLoginWindow:   5 * time.Minute,
		Mode:              ModeOnDemand,
		SyncInterval:      30 * time.Second,
		SyncOverlap:       time.Minute,
	}
}

// Validate checks the configuration.
func (c EngineConfig) Validate() error {
	if err := c.Window.Validate(); err != nil {
		return fmt.Errorf("window: %w", err)
	}
	if c.PassThroughWindow < 0 || c.PostLoginWindow < 0 {
		return fmt.Errorf("pairing windows must not be negative")
	}
	if c.PostLoginWindow > c.Window.Slack {
		return fmt.Errorf("post-login window %s exceeds index slack %s", c.PostLoginWindow, c.Window.Slack)
	}
	switch c.Mode {
	case ModeOnDemand:
	case ModeMaintained:
		if c.SyncInterval <= 0 {
			return fmt.Errorf("sync interval must be positive")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// Engine produces Scorers over either a per-query or a live window index.
type Engine struct {
	config EngineConfig
	ledger ledger.Accessor
	now    func() time.Time

	live      *window.Index
	ready     atomic.Bool
	mu        sync.Mutex // guards watermark
	watermark time.Time

	syncs    atomic.Int64
	failures atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a correlation engine reading from acc.
func NewEngine(acc ledger.Accessor, config EngineConfig) *Engine {
	e := &Engine{
		config: config,
		ledger: acc,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if config.Mode == ModeMaintained {
		e.live = window.NewIndex(config.Window)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// Start begins live index maintenance. It is a no-op in on-demand mode.
func (e *Engine) Start(ctx context.Context) {
	if e.config.Mode != ModeMaintained {
		slog.Info("correlation engine started", "mode", e.config.Mode)
		return
	}

	e.wg.Add(1)
	go e.maintain(ctx)

	slog.Info("correlation engine started",
		"mode", e.config.Mode,
		"sync_interval", e.config.SyncInterval,
		"horizon", e.config.Window.Horizon,
	)
}

// Stop stops index maintenance and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// IngestTransaction feeds a ledger transaction into the live index.
func (e *Engine) IngestTransaction(t ledger.Transaction) bool {
	if e.live == nil {
		return false
	}
	return e.live.IngestTransaction(t)
}

// IngestLogin feeds a login event into the live index.
func (e *Engine) IngestLogin(l ledger.LoginEvent) bool {
	if e.live == nil {
		return false
	}
	return e.live.IngestLogin(l)
}

// Ready reports whether the engine can serve queries from its live index.
func (e *Engine) Ready() bool {
	return e.config.Mode == ModeOnDemand || e.ready.Load()
}

// Prepare returns a Scorer whose lookback ends at now. In maintained mode
// the live index is used once backfilled, after catching it up with ledger
// rows written since the last sync. Otherwise the index is built from
// ledger scans. Any scan failure is returned.
func (e *Engine) Prepare(ctx context.Context, now time.Time) (*Scorer, error) {
	if e.live != nil && e.ready.Load() {
		if err := e.catchUp(ctx, now); err != nil {
			return nil, fmt.Errorf("sync window index: %w", err)
		}
		return newScorer(e.live, e.config, now), nil
	}

	idx, err := window.Build(ctx, e.ledger, e.config.Window, now)
	if err != nil {
		return nil, fmt.Errorf("build window index: %w", err)
	}
	return newScorer(idx, e.config, now), nil
}

// catchUp loads [watermark-overlap, now] into the live index so it holds
// every ledger row a query at now can see, then advances the watermark.
func (e *Engine) catchUp(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	from := e.watermark.Add(-e.config.SyncOverlap)
	e.mu.Unlock()
	if floor := now.Add(-e.config.Window.Retention()); from.Before(floor) {
		from = floor
	}
	if from.After(now) {
		return nil
	}

	if _, err := e.live.Load(ctx, e.ledger, from, now); err != nil {
		return err
	}

	e.mu.Lock()
	if now.After(e.watermark) {
		e.watermark = now
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) maintain(ctx context.Context) {
	defer e.wg.Done()

	e.runMaintenance(ctx)

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runMaintenance(ctx)
		}
	}
}

// runMaintenance backfills the live index on first success, then syncs new
// ledger rows since the last watermark and evicts expired entries. Failures
// are logged and retried on the next cycle.
func (e *Engine) runMaintenance(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	from := now.Add(-e.config.Window.Retention())
	if e.ready.Load() {
		if wm := e.watermark.Add(-e.config.SyncOverlap); wm.After(from) {
			from = wm
		}
	}
	e.mu.Unlock()

	added, err := e.live.Load(ctx, e.ledger, from, now)
	if err != nil {
		e.failures.Add(1)
		metrics.IndexSyncs.WithLabelValues("error").Inc()
		slog.Error("window index sync failed", "error", err, "from", from, "backfilled", e.ready.Load())
	} else {
		e.mu.Lock()
		if now.After(e.watermark) {
			e.watermark = now
		}
		e.mu.Unlock()
		if !e.ready.Swap(true) {
			slog.Info("window index backfilled", "entries", added, "from", from)
		}
		e.syncs.Add(1)
		metrics.IndexSyncs.WithLabelValues("ok").Inc()
	}

	evicted := e.live.Evict(now)
	accounts, entries := e.live.Stats()
	metrics.IndexAccounts.Set(float64(accounts))
	metrics.IndexEntries.Set(float64(entries))

	slog.Debug("window index maintained",
		"added", added,
		"evicted", evicted,
		"accounts", accounts,
		"entries", entries,
	)
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"mode":          string(e.config.Mode),
		"ready":         e.Ready(),
		"sync_count":    e.syncs.Load(),
		"sync_failures": e.failures.Load(),
	}
	if e.live != nil {
		accounts, entries := e.live.Stats()
		stats["index_accounts"] = accounts
		stats["index_entries"] = entries

		e.mu.Lock()
		stats["watermark"] = e.watermark
		e.mu.Unlock()
	}
	return stats
}
