package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"payrelay/ledger"
	"payrelay/observability"
)

const (
	// DefaultAuditInterval is the liveness check period.
	DefaultAuditInterval = 10 * time.Minute
	// DefaultStaleThreshold is the block silence after which the feed is
	// considered dead.
	DefaultStaleThreshold = 5 * time.Minute
)

// Reconnector asks a feed to drop its connection and dial again.
type Reconnector interface {
	RequestReconnect()
}

// Auditor watches the stream of new-block notifications and forces an
// endpoint rotation plus feed reconnect when blocks stop arriving. Rotation
// is single-flight: a trigger while one is in progress is suppressed.
type Auditor struct {
	module   string
	selector *ledger.Selector
	feed     Reconnector
	client   ledger.Client
	heights  HeightStore
	logger   *slog.Logger
	metrics  *observability.RelayMetrics

	now            func() time.Time
	auditInterval  time.Duration
	staleThreshold time.Duration
	onRotate       func(context.Context)

	rotating atomic.Bool
}

// AuditorOption customises an Auditor.
type AuditorOption func(*Auditor)

// WithAuditorClock overrides the auditor's time source.
func WithAuditorClock(now func() time.Time) AuditorOption {
	return func(a *Auditor) { a.now = now }
}

// WithAuditTimings overrides the check period and staleness threshold.
func WithAuditTimings(interval, stale time.Duration) AuditorOption {
	return func(a *Auditor) {
		if interval > 0 {
			a.auditInterval = interval
		}
		if stale > 0 {
			a.staleThreshold = stale
		}
	}
}

// WithOnRotate registers a callback invoked after a completed rotation,
// typically a fallback reconciliation pass.
func WithOnRotate(fn func(context.Context)) AuditorOption {
	return func(a *Auditor) { a.onRotate = fn }
}

// WithAuditorMetrics attaches a metrics registry.
func WithAuditorMetrics(m *observability.RelayMetrics) AuditorOption {
	return func(a *Auditor) { a.metrics = m }
}

func NewAuditor(module string, selector *ledger.Selector, feed Reconnector, client ledger.Client, heights HeightStore, logger *slog.Logger, opts ...AuditorOption) *Auditor {
	a := &Auditor{
		module:         module,
		selector:       selector,
		feed:           feed,
		client:         client,
		heights:        heights,
		logger:         logger.With("component", "auditor", "module", module),
		now:            time.Now,
		auditInterval:  DefaultAuditInterval,
		staleThreshold: DefaultStaleThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleBlock consumes one new-block feed message and records its height.
// Registered as the feed handler for the blocks topic.
func (a *Auditor) HandleBlock(data json.RawMessage) {
	var block struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(data, &block); err != nil {
		a.logger.Error("undecodable block message", "error", err)
		return
	}
	if block.Height <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.heights.RecordHeight(ctx, a.module, block.Height, a.now()); err != nil {
		a.logger.Error("failed to record block height", "height", block.Height, "error", err)
		return
	}
	a.metrics.RecordBlockHeight(block.Height)
}

// Run seeds an initial height record, then checks liveness on every tick
// until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	a.seedHeight(ctx)

	ticker := time.NewTicker(a.auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}

// Check triggers a rotation when no block has been recorded within the
// staleness threshold.
func (a *Auditor) Check(ctx context.Context) {
	height, observedAt, err := a.heights.LatestHeight(ctx, a.module)
	if err != nil {
		a.logger.Error("failed to read latest block height", "error", err)
		return
	}
	if !observedAt.IsZero() && a.now().Sub(observedAt) <= a.staleThreshold {
		return
	}
	a.logger.Warn("block feed is stale, rotating endpoint",
		"last_height", height, "observed_at", observedAt)
	a.rotate(ctx)
}

func (a *Auditor) rotate(ctx context.Context) {
	if !a.rotating.CompareAndSwap(false, true) {
		return
	}
	defer a.rotating.Store(false)

	next := a.selector.Rotate()
	a.metrics.RecordRotation()
	a.logger.Info("rotated to endpoint", "endpoint", next.URL())

	if a.feed != nil {
		a.feed.RequestReconnect()
	}
	a.seedHeight(ctx)
	if a.onRotate != nil {
		a.onRotate(ctx)
	}
}

// seedHeight fetches the chain height over the request path so staleness
// tracking has a fresh baseline independent of the feed.
func (a *Auditor) seedHeight(ctx context.Context) {
	height, err := a.client.ChainHeight(ctx)
	if err != nil {
		a.logger.Error("height fetch failed", "error", err)
		return
	}
	if err := a.heights.RecordHeight(ctx, a.module, height, a.now()); err != nil {
		a.logger.Error("failed to record block height", "height", height, "error", err)
		return
	}
	a.metrics.RecordBlockHeight(height)
}
