package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"payrelay/crypto"
)

// Wire type tags used by the node API.
const (
	wireTransfer = 257
	wireMultisig = 4100

	plainMessage = 1
)

// NativeAsset identifies the chain's base currency in channel configuration
// and amount resolution.
const NativeAsset = "native"

// nativeDivisor is the decimal precision of the native unit. Tagged-quantity
// amounts use the plain amount field as a whole-unit multiplier at this
// precision.
const nativeDivisor = 6

// ErrUnsupportedType reports a wire transaction whose type tag is neither a
// transfer nor a multisig container. Such transactions never match a channel
// and are dropped at ingestion.
var ErrUnsupportedType = errors.New("ledger: unsupported transaction type")

// TxType is the normalized transaction variant, resolved once at ingestion so
// downstream code never re-inspects wire type tags.
type TxType int

const (
	TxTransfer TxType = iota + 1
	TxMultisigTransfer
)

func (t TxType) String() string {
	switch t {
	case TxTransfer:
		return "transfer"
	case TxMultisigTransfer:
		return "multisig-transfer"
	default:
		return "unknown"
	}
}

// Quantity is one tagged asset entry carried by a transfer.
type Quantity struct {
	Namespace string
	Name      string
	Quantity  int64
}

// Asset renders the namespace:name identifier used in channel configuration.
func (q Quantity) Asset() string {
	return q.Namespace + ":" + q.Name
}

// Envelope is the raw meta/transaction pair as delivered by the node REST API
// and websocket feed.
type Envelope struct {
	Meta        EnvelopeMeta    `json:"meta"`
	Transaction WireTransaction `json:"transaction"`
}

type EnvelopeMeta struct {
	ID        int64     `json:"id"`
	Height    int64     `json:"height"`
	Hash      *WireHash `json:"hash"`
	InnerHash *WireHash `json:"innerHash"`
}

type WireHash struct {
	Data string `json:"data"`
}

type WireTransaction struct {
	Type       int              `json:"type"`
	Signer     string           `json:"signer"`
	Recipient  string           `json:"recipient"`
	Amount     int64            `json:"amount"`
	Fee        int64            `json:"fee"`
	Message    *WireMessage     `json:"message,omitempty"`
	Mosaics    []WireMosaic     `json:"mosaics,omitempty"`
	OtherTrans *WireTransaction `json:"otherTrans,omitempty"`
}

type WireMessage struct {
	Type    int    `json:"type"`
	Payload string `json:"payload"`
}

type WireMosaic struct {
	MosaicID struct {
		NamespaceID string `json:"namespaceId"`
		Name        string `json:"name"`
	} `json:"mosaicId"`
	Quantity int64 `json:"quantity"`
}

// TransactionRecord is the normalized view of a ledger transaction. For
// multisig containers the fields describe the inner transfer; the outer
// signer is retained separately for cosignatory policy checks.
type TransactionRecord struct {
	Hash                 string
	ID                   int64
	Height               int64
	Type                 TxType
	Sender               string
	Recipient            string
	Amount               int64
	Fee                  int64
	Message              string
	SignerPublicKey      string
	OuterSignerPublicKey string
	Quantities           []Quantity
}

// Record normalizes a wire envelope. The identity hash prefers the inner
// transaction hash when present so that a multisig container and its wrapped
// transfer dedup to the same key; the effective sender is always derived from
// the inner signer public key on the given network.
func (e Envelope) Record(prefix crypto.AddressPrefix) (TransactionRecord, error) {
	rec := TransactionRecord{
		ID:     e.Meta.ID,
		Height: e.Meta.Height,
	}

	inner := &e.Transaction
	switch e.Transaction.Type {
	case wireTransfer:
		rec.Type = TxTransfer
	case wireMultisig:
		rec.Type = TxMultisigTransfer
		if e.Transaction.OtherTrans == nil {
			return TransactionRecord{}, errors.New("ledger: multisig container without inner transaction")
		}
		if e.Transaction.OtherTrans.Type != wireTransfer {
			return TransactionRecord{}, ErrUnsupportedType
		}
		inner = e.Transaction.OtherTrans
		rec.OuterSignerPublicKey = e.Transaction.Signer
	default:
		return TransactionRecord{}, ErrUnsupportedType
	}

	if e.Meta.InnerHash != nil && e.Meta.InnerHash.Data != "" {
		rec.Hash = e.Meta.InnerHash.Data
	} else if e.Meta.Hash != nil {
		rec.Hash = e.Meta.Hash.Data
	}
	if rec.Hash == "" {
		return TransactionRecord{}, errors.New("ledger: transaction without hash")
	}

	rec.Recipient = inner.Recipient
	rec.Amount = inner.Amount
	rec.Fee = inner.Fee
	rec.SignerPublicKey = inner.Signer
	rec.Message = decodeMessage(inner.Message)
	for _, m := range inner.Mosaics {
		rec.Quantities = append(rec.Quantities, Quantity{
			Namespace: m.MosaicID.NamespaceID,
			Name:      m.MosaicID.Name,
			Quantity:  m.Quantity,
		})
	}

	if inner.Signer != "" {
		addr, err := crypto.AddressFromPublicKey(inner.Signer, prefix)
		if err != nil {
			return TransactionRecord{}, fmt.Errorf("ledger: derive sender: %w", err)
		}
		rec.Sender = addr.String()
	}
	return rec, nil
}

// decodeMessage extracts the plaintext invoice message. Payloads arrive
// hex-encoded; encrypted messages cannot carry an invoice token and resolve
// to empty.
func decodeMessage(m *WireMessage) string {
	if m == nil || m.Type != plainMessage || m.Payload == "" {
		return ""
	}
	raw, err := hex.DecodeString(m.Payload)
	if err != nil {
		return strings.TrimSpace(m.Payload)
	}
	return strings.TrimSpace(string(raw))
}

// AmountFor resolves the transaction amount in the channel's asset. The
// native unit uses the plain amount. Tagged-quantity transfers treat the
// plain amount as a whole-unit multiplier and locate the matching asset by
// namespace:name, scaling by the asset's divisor; a transfer that does not
// carry the expected asset resolves to zero, which is a non-match rather
// than an error.
func (r TransactionRecord) AmountFor(asset string, divisor int) int64 {
	if asset == "" {
		asset = NativeAsset
	}
	if len(r.Quantities) == 0 {
		if asset == NativeAsset {
			return r.Amount
		}
		return 0
	}
	for _, q := range r.Quantities {
		if q.Asset() != asset {
			continue
		}
		multiplier := float64(r.Amount) / math.Pow10(nativeDivisor)
		scale := math.Pow10(nativeDivisor - divisor)
		return int64(multiplier * float64(q.Quantity) * scale)
	}
	return 0
}

// BroadcastResult is the node's response to an announced transaction. Codes
// of 2 and above indicate a validation failure.
type BroadcastResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OK reports whether the node accepted the broadcast.
func (b BroadcastResult) OK() bool {
	return b.Code < 2 && strings.EqualFold(b.Message, "SUCCESS")
}
