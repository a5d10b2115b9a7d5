package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayMetricsOnce sync.Once
	relayRegistry    *RelayMetrics

	signerMetricsOnce sync.Once
	signerRegistry    *SignerMetrics
)

// RelayMetrics wraps collectors tracking the payment relay pipeline.
type RelayMetrics struct {
	feedMessages *prometheus.CounterVec
	transactions *prometheus.CounterVec
	applies      *prometheus.CounterVec
	pollPages    prometheus.Counter
	blockHeight  prometheus.Gauge
	rotations    prometheus.Counter
}

// Relay returns the lazily-initialised relay metrics registry.
func Relay() *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "relay",
				Name:      "feed_messages_total",
				Help:      "Count of websocket feed messages segmented by topic.",
			}, []string{"topic"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "relay",
				Name:      "transactions_total",
				Help:      "Count of observed transactions segmented by status, source, and outcome.",
			}, []string{"status", "source", "outcome"}),
			applies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "relay",
				Name:      "channel_applies_total",
				Help:      "Count of successful channel state applies segmented by status.",
			}, []string{"status"}),
			pollPages: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "relay",
				Name:      "poll_pages_total",
				Help:      "Count of history pages fetched by the fallback poller.",
			}),
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "payrelay",
				Subsystem: "relay",
				Name:      "block_height",
				Help:      "Most recent block height observed on the feed.",
			}),
			rotations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "relay",
				Name:      "endpoint_rotations_total",
				Help:      "Count of endpoint rotations forced by the liveness auditor.",
			}),
		}
		prometheus.MustRegister(
			relayRegistry.feedMessages,
			relayRegistry.transactions,
			relayRegistry.applies,
			relayRegistry.pollPages,
			relayRegistry.blockHeight,
			relayRegistry.rotations,
		)
	})
	return relayRegistry
}

// RecordFeedMessage increments the feed message counter for a topic.
func (m *RelayMetrics) RecordFeedMessage(topic string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(labelOr(topic, "unknown")).Inc()
}

// RecordTransaction counts an observed transaction. Outcomes should be stable
// strings such as "applied", "duplicate", "unmatched", or "error".
func (m *RelayMetrics) RecordTransaction(status, source, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(labelOr(status, "unknown"), labelOr(source, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordApply counts one successful channel apply.
func (m *RelayMetrics) RecordApply(status string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(labelOr(status, "unknown")).Inc()
}

// RecordPollPage counts one fetched history page.
func (m *RelayMetrics) RecordPollPage() {
	if m == nil {
		return
	}
	m.pollPages.Inc()
}

// RecordBlockHeight updates the observed block height gauge.
func (m *RelayMetrics) RecordBlockHeight(height int64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
}

// RecordRotation counts one auditor-forced endpoint rotation.
func (m *RelayMetrics) RecordRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

// SignerMetrics wraps collectors tracking the multisig cosignatory.
type SignerMetrics struct {
	signatures   prometheus.Counter
	declines     *prometheus.CounterVec
	capRemaining prometheus.Gauge
}

// Signer returns the lazily-initialised signer metrics registry.
func Signer() *SignerMetrics {
	signerMetricsOnce.Do(func() {
		signerRegistry = &SignerMetrics{
			signatures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "signer",
				Name:      "signatures_total",
				Help:      "Count of signature transactions broadcast and recorded.",
			}),
			declines: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "signer",
				Name:      "declines_total",
				Help:      "Count of signing refusals segmented by reason.",
			}, []string{"reason"}),
			capRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "payrelay",
				Subsystem: "signer",
				Name:      "cap_remaining",
				Help:      "Remaining spending cap in smallest units, -1 when no cap is configured.",
			}),
		}
		prometheus.MustRegister(
			signerRegistry.signatures,
			signerRegistry.declines,
			signerRegistry.capRemaining,
		)
	})
	return signerRegistry
}

// RecordSignature counts one completed co-signature.
func (m *SignerMetrics) RecordSignature() {
	if m == nil {
		return
	}
	m.signatures.Inc()
}

// RecordDecline counts one policy refusal. Reasons should be stable strings
// such as "cap_exceeded" or "untrusted_cosigner".
func (m *SignerMetrics) RecordDecline(reason string) {
	if m == nil {
		return
	}
	m.declines.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// RecordCapRemaining updates the remaining cap gauge.
func (m *SignerMetrics) RecordCapRemaining(remaining int64) {
	if m == nil {
		return
	}
	m.capRemaining.Set(float64(remaining))
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
