package relay

import (
	"time"

	"payrelay/ledger"
)

// Status is the lifecycle state of a payment channel. Transitions only move
// forward, except that identified/unconfirmed may churn alongside paid_partly
// while further partial payments arrive. paid is terminal.
type Status string

const (
	StatusCreated     Status = "created"
	StatusIdentified  Status = "identified"
	StatusUnconfirmed Status = "unconfirmed"
	StatusPaidPartly  Status = "paid_partly"
	StatusPaid        Status = "paid"
)

// TxStatus is the confirmation state a transaction was observed with. It keys
// the dedup pool together with the transaction hash.
type TxStatus string

const (
	TxUnconfirmed TxStatus = "unconfirmed"
	TxConfirmed   TxStatus = "confirmed"
)

// Channel is an expected-payment record linking a payer, a recipient, and an
// invoice token to a target amount. Channels are archived on close or once
// paid, never deleted.
type Channel struct {
	ID                string
	Payer             string
	Recipient         string
	Message           string
	Asset             string
	Amount            int64
	AmountPaid        int64
	AmountUnconfirmed int64
	Status            Status
	IsPaid            bool
	PaidAt            time.Time
	ConfirmedHashes   map[string]bool
	UnconfirmedHashes map[string]bool
	Connections       []string
	Archived          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewChannel builds an open channel in its initial state.
func NewChannel(id, payer, recipient, message, asset string, amount int64, now time.Time) *Channel {
	if asset == "" {
		asset = ledger.NativeAsset
	}
	return &Channel{
		ID:                id,
		Payer:             payer,
		Recipient:         recipient,
		Message:           message,
		Asset:             asset,
		Amount:            amount,
		Status:            StatusCreated,
		ConfirmedHashes:   make(map[string]bool),
		UnconfirmedHashes: make(map[string]bool),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Open reports whether the channel still accepts new payments.
func (c *Channel) Open() bool {
	return !c.Archived && !c.IsPaid
}

// Apply folds one observed transaction into the channel. The per-status hash
// sets make re-delivery a no-op: a hash already present in the set matching
// the observed status is rejected without state change. amount is the
// transaction's value resolved in the channel's asset.
//
// Confirmed applies also retire any unconfirmed sighting of the same hash,
// flooring the unconfirmed total at zero so that a confirmed transaction
// arriving first still leaves consistent state.
func (c *Channel) Apply(tx ledger.TransactionRecord, status TxStatus, amount int64, now time.Time) bool {
	switch status {
	case TxUnconfirmed:
		if c.UnconfirmedHashes[tx.Hash] {
			return false
		}
		c.UnconfirmedHashes[tx.Hash] = true
		c.AmountUnconfirmed += amount
		if !c.IsPaid {
			if c.Status == StatusCreated {
				c.Status = StatusIdentified
			} else if c.Status != StatusPaid {
				c.Status = StatusUnconfirmed
			}
		}
	case TxConfirmed:
		if c.ConfirmedHashes[tx.Hash] {
			return false
		}
		c.ConfirmedHashes[tx.Hash] = true
		c.AmountPaid += amount
		c.AmountUnconfirmed -= amount
		if c.AmountUnconfirmed < 0 {
			c.AmountUnconfirmed = 0
		}
		delete(c.UnconfirmedHashes, tx.Hash)
		if c.AmountPaid >= c.Amount {
			c.Status = StatusPaid
			if !c.IsPaid {
				c.IsPaid = true
				c.PaidAt = now
			}
		} else {
			c.Status = StatusPaidPartly
		}
	default:
		return false
	}
	c.UpdatedAt = now
	return true
}

// Event is the payment-status payload fanned out to a channel's subscribers
// after every successful apply.
type Event struct {
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient"`
	Amount            int64  `json:"amount"`
	AmountPaid        int64  `json:"amountPaid"`
	AmountUnconfirmed int64  `json:"amountUnconfirmed"`
	Message           string `json:"message"`
	Status            Status `json:"status"`
	IsPaid            bool   `json:"isPaid"`
}

// EventFrom snapshots the channel into its outbound event shape. Callers pass
// the persisted channel so the event reflects committed state.
func EventFrom(c *Channel) Event {
	return Event{
		Sender:            c.Payer,
		Recipient:         c.Recipient,
		Amount:            c.Amount,
		AmountPaid:        c.AmountPaid,
		AmountUnconfirmed: c.AmountUnconfirmed,
		Message:           c.Message,
		Status:            c.Status,
		IsPaid:            c.IsPaid,
	}
}
