package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"payrelay/ledger"
	"payrelay/observability"
)

const (
	// DefaultPollInterval is the period of the fallback reconciliation scan.
	DefaultPollInterval = 120 * time.Second
	// DefaultWatchDuration bounds how long a newly opened channel keeps its
	// own polling schedule alive.
	DefaultWatchDuration = 15 * time.Minute
)

// Poller covers websocket feed gaps by re-reading the watched address's
// incoming transaction history and pushing every page through the shared
// processing pipeline. Only the transport differs from the feed path.
type Poller struct {
	client    ledger.Client
	processor *Processor
	pool      PoolStore
	address   string
	interval  time.Duration
	logger    *slog.Logger
	metrics   *observability.RelayMetrics
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the reconciliation period.
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithPollerMetrics attaches a metrics registry.
func WithPollerMetrics(m *observability.RelayMetrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

func NewPoller(client ledger.Client, processor *Processor, pool PoolStore, address string, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		client:    client,
		processor: processor,
		pool:      pool,
		address:   address,
		interval:  DefaultPollInterval,
		logger:    logger.With("component", "poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reconcile walks the address's incoming history backward, page by page,
// using the oldest transaction id of each page as the cursor for the next.
// The walk stops on a short page or on a page whose hashes are all already
// dedup-pool hits, which bounds the cost of every scan after the first.
func (p *Poller) Reconcile(ctx context.Context) error {
	var beforeID int64
	total := 0
	for {
		records, err := p.client.FetchIncoming(ctx, p.address, beforeID)
		if err != nil {
			return fmt.Errorf("fetch incoming for %s: %w", p.address, err)
		}
		p.metrics.RecordPollPage()
		if len(records) == 0 {
			break
		}
		total += len(records)

		allSeen := true
		oldest := beforeID
		for _, rec := range records {
			seen, err := p.pool.Seen(ctx, TxConfirmed, rec.Hash)
			if err != nil {
				return fmt.Errorf("dedup lookup: %w", err)
			}
			if !seen {
				allSeen = false
				if err := p.processor.HandleTransaction(ctx, rec, TxConfirmed, "poll"); err != nil {
					p.logger.Error("reconcile apply failed", "hash", rec.Hash, "error", err)
				}
			}
			if rec.ID > 0 && (oldest == beforeID || rec.ID < oldest) {
				oldest = rec.ID
			}
		}

		if allSeen || len(records) < ledger.PageSize || oldest == beforeID {
			break
		}
		beforeID = oldest
	}
	p.logger.Info("reconciliation pass complete", "address", p.address, "transactions", total)
	return nil
}

// Run reconciles immediately and then on every interval tick until ctx is
// cancelled. This is the process-wide fallback schedule; per-channel watches
// layer on top of it.
func (p *Poller) Run(ctx context.Context) error {
	p.run(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Watch runs the polling schedule for one channel subscription: an immediate
// cold-fill pass, then interval passes until the watch duration elapses, and
// one final pass before returning. Callers run it in its own goroutine per
// opened channel.
func (p *Poller) Watch(ctx context.Context, duration time.Duration) {
	if duration <= 0 {
		duration = DefaultWatchDuration
	}
	p.run(ctx)

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		case <-deadline.C:
			p.run(ctx)
			return
		}
	}
}

func (p *Poller) run(ctx context.Context) {
	if err := p.Reconcile(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("reconciliation failed", "error", err)
	}
}
