package signer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payrelay/crypto"
	"payrelay/ledger"
	"payrelay/observability"
)

// ErrBroadcastDeclined reports a signature transaction the node refused to
// accept.
var ErrBroadcastDeclined = errors.New("signer: broadcast not accepted by node")

// SignedRecord is one entry of the append-only co-signature audit trail. It
// doubles as the source of truth for the spending-cap aggregate.
type SignedRecord struct {
	Multisig    string
	Cosignatory string
	Hash        string
	Amount      int64
	RawResponse string
	CreatedAt   time.Time
}

// AuditStore persists signed-transaction records.
type AuditStore interface {
	HasSigned(ctx context.Context, hash string) (bool, error)
	SignedTotal(ctx context.Context, since time.Time) (int64, error)
	RecordSigned(ctx context.Context, rec SignedRecord) error
}

// signaturePayload is the serialized body of a co-signature transaction.
type signaturePayload struct {
	Multisig  string `json:"multisig"`
	OtherHash string `json:"otherHash"`
	Cosigner  string `json:"cosigner"`
}

// CosignatoryOption customises a Cosignatory.
type CosignatoryOption func(*Cosignatory)

// WithCosignatoryClock overrides the time source.
func WithCosignatoryClock(now func() time.Time) CosignatoryOption {
	return func(c *Cosignatory) { c.now = now }
}

// WithBroadcastRetries allows bounded re-announcement after a node-side
// decline. The default of zero keeps declines final.
func WithBroadcastRetries(retries int) CosignatoryOption {
	return func(c *Cosignatory) {
		if retries > 0 {
			c.retries = retries
		}
	}
}

// WithSignedCallback registers a callback invoked after a signature has been
// broadcast, accepted, and recorded.
func WithSignedCallback(fn func(rec SignedRecord)) CosignatoryOption {
	return func(c *Cosignatory) { c.onSigned = fn }
}

// WithCosignatoryMetrics attaches a metrics registry.
func WithCosignatoryMetrics(m *observability.SignerMetrics) CosignatoryOption {
	return func(c *Cosignatory) { c.metrics = m }
}

// Cosignatory watches a multisig account's unconfirmed transactions and
// co-signs the ones that pass policy. Broadcasting a signature is an
// irreversible financial side effect, so the audit trail gates every hash to
// at most one broadcast per process history.
type Cosignatory struct {
	policy   Policy
	multisig string
	key      *crypto.PrivateKey
	client   ledger.Client
	audit    AuditStore
	logger   *slog.Logger
	metrics  *observability.SignerMetrics

	now      func() time.Time
	retries  int
	onSigned func(rec SignedRecord)
}

// NewCosignatory validates the configuration and parses the signing key. A
// malformed key yields crypto.ErrInvalidKey: misconfiguration that must stop
// sign mode rather than skip transactions silently.
func NewCosignatory(policy Policy, multisigAddress, privateKeyHex string, client ledger.Client, audit AuditStore, logger *slog.Logger, opts ...CosignatoryOption) (*Cosignatory, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if _, err := crypto.DecodeAddress(multisigAddress); err != nil {
		return nil, fmt.Errorf("signer: multisig address: %w", err)
	}
	key, err := crypto.PrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	c := &Cosignatory{
		policy:   policy,
		multisig: multisigAddress,
		key:      key,
		client:   client,
		audit:    audit,
		logger:   logger.With("component", "cosignatory", "multisig", multisigAddress),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CosignerPublicKey exposes the compressed public key of the signing key.
func (c *Cosignatory) CosignerPublicKey() string {
	return c.key.PubKey().Hex()
}

// HandleUnconfirmed runs one observed unconfirmed transaction through the
// signing pipeline. Policy declines return nil: they are refusals, not
// failures. Transport and store errors return an error so the delivery can be
// retried by a later sighting.
func (c *Cosignatory) HandleUnconfirmed(ctx context.Context, tx ledger.TransactionRecord) error {
	if tx.Type != ledger.TxMultisigTransfer {
		return nil
	}

	signed, err := c.audit.HasSigned(ctx, tx.Hash)
	if err != nil {
		return fmt.Errorf("signer: audit lookup: %w", err)
	}
	if signed {
		return nil
	}

	if err := c.checkCap(ctx, tx.Amount); err != nil {
		c.decline(tx, err)
		return nil
	}
	if err := c.verify(tx); err != nil {
		c.decline(tx, err)
		return nil
	}

	payload, err := c.buildSignature(tx)
	if err != nil {
		return fmt.Errorf("signer: build signature for %s: %w", tx.Hash, err)
	}
	response, err := c.broadcast(ctx, tx.Hash, payload)
	if err != nil {
		return err
	}

	rec := SignedRecord{
		Multisig:    c.multisig,
		Cosignatory: c.key.PubKey().Address(crypto.AddressPrefix(addressPrefixOf(c.multisig))).String(),
		Hash:        tx.Hash,
		Amount:      tx.Amount,
		RawResponse: response,
		CreatedAt:   c.now(),
	}
	if err := c.audit.RecordSigned(ctx, rec); err != nil {
		// The broadcast went out; losing the record here risks a double sign
		// in a future process, so it is an error, not a warning.
		return fmt.Errorf("signer: record signature for %s: %w", tx.Hash, err)
	}
	c.metrics.RecordSignature()
	c.logger.Info("co-signed multisig transaction",
		"hash", tx.Hash, "amount", tx.Amount, "recipient", tx.Recipient)
	if c.onSigned != nil {
		c.onSigned(rec)
	}
	return nil
}

// checkCap enforces the spending cap against the audit aggregate. A cap of
// zero disables the check.
func (c *Cosignatory) checkCap(ctx context.Context, amount int64) error {
	if c.policy.DailyCap <= 0 {
		c.metrics.RecordCapRemaining(-1)
		return nil
	}
	total, err := c.audit.SignedTotal(ctx, c.policy.WindowStart(c.now()))
	if err != nil {
		return fmt.Errorf("signer: cap aggregate: %w", err)
	}
	remaining := c.policy.DailyCap - total
	if remaining < 0 {
		remaining = 0
	}
	c.metrics.RecordCapRemaining(remaining)
	if total >= c.policy.DailyCap || total+amount > c.policy.DailyCap {
		return fmt.Errorf("%w: signed=%d cap=%d amount=%d", ErrCapExceeded, total, c.policy.DailyCap, amount)
	}
	return nil
}

// verify checks that the inner transaction really spends the configured
// multisig account and that the outer initiator is whitelisted.
func (c *Cosignatory) verify(tx ledger.TransactionRecord) error {
	if tx.Sender != c.multisig {
		return fmt.Errorf("%w: inner signer address %s", ErrWrongMultisig, tx.Sender)
	}
	if !c.policy.Accepts(tx.OuterSignerPublicKey) {
		return fmt.Errorf("%w: initiator %s", ErrUntrustedCosigner, tx.OuterSignerPublicKey)
	}
	return nil
}

func (c *Cosignatory) buildSignature(tx ledger.TransactionRecord) (ledger.SignedPayload, error) {
	body, err := json.Marshal(signaturePayload{
		Multisig:  c.multisig,
		OtherHash: tx.Hash,
		Cosigner:  c.key.PubKey().Hex(),
	})
	if err != nil {
		return ledger.SignedPayload{}, err
	}
	signature, err := c.key.Sign(crypto.Keccak256(body))
	if err != nil {
		return ledger.SignedPayload{}, err
	}
	return ledger.SignedPayload{
		Data:      hex.EncodeToString(body),
		Signature: hex.EncodeToString(signature),
	}, nil
}

// broadcast announces the signature, optionally retrying node-side declines.
// Transport errors abort immediately; they will surface again on the next
// delivery of the same transaction.
func (c *Cosignatory) broadcast(ctx context.Context, hash string, payload ledger.SignedPayload) (string, error) {
	attempts := c.retries + 1
	var last ledger.BroadcastResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.client.Broadcast(ctx, payload)
		if err != nil {
			return "", fmt.Errorf("signer: announce signature for %s: %w", hash, err)
		}
		if result.OK() {
			raw, _ := json.Marshal(result)
			return string(raw), nil
		}
		last = result
		c.logger.Error("signature broadcast declined",
			"hash", hash, "code", result.Code, "node_message", result.Message, "attempt", attempt)
	}
	c.metrics.RecordDecline("broadcast_declined")
	return "", fmt.Errorf("%w: code=%d message=%s", ErrBroadcastDeclined, last.Code, last.Message)
}

func (c *Cosignatory) decline(tx ledger.TransactionRecord, err error) {
	reason := "unspecified"
	switch {
	case errors.Is(err, ErrCapExceeded):
		reason = "cap_exceeded"
	case errors.Is(err, ErrUntrustedCosigner):
		reason = "untrusted_cosigner"
	case errors.Is(err, ErrWrongMultisig):
		reason = "wrong_multisig"
	}
	c.metrics.RecordDecline(reason)
	c.logger.Warn("declined to co-sign", "hash", tx.Hash, "amount", tx.Amount, "reason", err)
}

// addressPrefixOf extracts the bech32 prefix from an already-validated
// address.
func addressPrefixOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '1' {
			return addr[:i]
		}
	}
	return addr
}
