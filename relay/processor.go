package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"payrelay/ledger"
	"payrelay/observability"
)

// Emitter forwards a payment-status event to a channel's subscribers.
// Delivery is fire-and-forget; the relay never waits for confirmation.
type Emitter interface {
	EmitPaymentUpdate(ch *Channel, ev Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ch *Channel, ev Event)

func (f EmitterFunc) EmitPaymentUpdate(ch *Channel, ev Event) { f(ch, ev) }

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the processor's time source.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *observability.RelayMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// Processor runs observed transactions through the dedup gate, the channel
// matcher, and the channel state machine, then emits the committed state to
// subscribers. Both the websocket feed and the fallback poller hand their
// transactions to the same processor; the durable (status, hash) pool is the
// exactly-once boundary between them, so interleaved deliveries of the same
// transaction collapse to a single apply even across processes sharing one
// store.
type Processor struct {
	channels ChannelStore
	pool     PoolStore
	matcher  *Matcher
	client   ledger.Client
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time
	metrics  *observability.RelayMetrics

	mu       sync.Mutex
	divisors map[string]int
}

func NewProcessor(channels ChannelStore, pool PoolStore, matcher *Matcher, client ledger.Client, emitter Emitter, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		channels: channels,
		pool:     pool,
		matcher:  matcher,
		client:   client,
		emitter:  emitter,
		logger:   logger.With("component", "processor"),
		now:      time.Now,
		divisors: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleTransaction processes one observed transaction. source names the
// delivery path ("feed" or "poll") for logging and metrics only; both paths
// share this pipeline completely.
//
// A store failure after the pool entry was claimed releases the claim again
// so a later poll or duplicate feed delivery retries the transaction:
// processing is at-least-once, never at-most-zero.
func (p *Processor) HandleTransaction(ctx context.Context, tx ledger.TransactionRecord, status TxStatus, source string) error {
	if tx.Hash == "" {
		return nil
	}

	// An unconfirmed sighting is redundant once the transaction was processed
	// with either status; a confirmed sighting only dedups against confirmed.
	if status == TxUnconfirmed {
		seen, err := p.pool.SeenAny(ctx, tx.Hash)
		if err != nil {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			p.metrics.RecordTransaction(string(status), source, "duplicate")
			return nil
		}
	}
	inserted, err := p.pool.MarkSeen(ctx, status, tx.Hash)
	if err != nil {
		return fmt.Errorf("dedup insert: %w", err)
	}
	if !inserted {
		p.metrics.RecordTransaction(string(status), source, "duplicate")
		return nil
	}

	ch, err := p.matcher.Match(ctx, tx)
	if err != nil {
		p.release(ctx, status, tx.Hash)
		p.metrics.RecordTransaction(string(status), source, "error")
		return fmt.Errorf("match: %w", err)
	}
	if ch == nil {
		p.metrics.RecordTransaction(string(status), source, "unmatched")
		return nil
	}

	amount, err := p.resolveAmount(ctx, ch, tx)
	if err != nil {
		p.release(ctx, status, tx.Hash)
		p.metrics.RecordTransaction(string(status), source, "error")
		return fmt.Errorf("resolve amount: %w", err)
	}
	if amount == 0 {
		// The transfer does not carry the channel's asset.
		p.metrics.RecordTransaction(string(status), source, "unmatched")
		return nil
	}

	if !ch.Apply(tx, status, amount, p.now()) {
		p.metrics.RecordTransaction(string(status), source, "duplicate")
		return nil
	}
	if err := p.channels.UpdateChannel(ctx, ch); err != nil {
		p.release(ctx, status, tx.Hash)
		p.metrics.RecordTransaction(string(status), source, "error")
		return fmt.Errorf("persist channel %s: %w", ch.ID, err)
	}

	p.logger.Info("identified relevant transaction",
		"source", source, "status", string(status), "hash", tx.Hash,
		"channel", ch.ID, "invoice", ch.Message, "amount", amount,
		"channel_status", string(ch.Status))
	p.metrics.RecordTransaction(string(status), source, "applied")
	p.metrics.RecordApply(string(ch.Status))

	if p.emitter != nil {
		p.emitter.EmitPaymentUpdate(ch, EventFrom(ch))
	}
	return nil
}

// resolveAmount values the transaction in the channel's asset, looking up and
// caching the asset divisor on first use.
func (p *Processor) resolveAmount(ctx context.Context, ch *Channel, tx ledger.TransactionRecord) (int64, error) {
	asset := ch.Asset
	if asset == "" {
		asset = ledger.NativeAsset
	}
	p.mu.Lock()
	divisor, ok := p.divisors[asset]
	p.mu.Unlock()
	if !ok {
		var err error
		divisor, err = p.client.AssetDivisor(ctx, asset)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.divisors[asset] = divisor
		p.mu.Unlock()
	}
	return tx.AmountFor(asset, divisor), nil
}

// release gives a claimed pool entry back after a downstream store failure.
// Best effort: if the release itself fails the entry stays claimed and the
// transaction is lost to this process, which is logged loudly.
func (p *Processor) release(ctx context.Context, status TxStatus, hash string) {
	if err := p.pool.Unmark(ctx, status, hash); err != nil {
		p.logger.Error("failed to release dedup entry, transaction will not be retried",
			"status", string(status), "hash", hash, "error", err)
	}
}
