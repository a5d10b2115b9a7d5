package relay

import (
	"context"

	"payrelay/ledger"
)

// Matcher resolves which open payment channel, if any, an observed
// transaction satisfies.
//
// Invoice tokens disambiguate multiple concurrent payers to one recipient
// address, so a (recipient, message) match always wins. The (sender,
// recipient) fallback is only acceptable when the deployment explicitly
// permits message-less payments.
type Matcher struct {
	channels       ChannelStore
	requireMessage bool
}

func NewMatcher(channels ChannelStore, requireMessage bool) *Matcher {
	return &Matcher{channels: channels, requireMessage: requireMessage}
}

// Match returns the channel the transaction pays into, or nil when none
// qualifies. Only transfer and multisig-wrapped-transfer records are
// considered; normalization upstream guarantees no other types arrive, but
// the filter stays here as the contract.
func (m *Matcher) Match(ctx context.Context, tx ledger.TransactionRecord) (*Channel, error) {
	if tx.Type != ledger.TxTransfer && tx.Type != ledger.TxMultisigTransfer {
		return nil, nil
	}
	if tx.Message != "" {
		ch, err := m.channels.FindChannelByInvoice(ctx, tx.Recipient, tx.Message)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			return ch, nil
		}
	}
	if m.requireMessage {
		return nil, nil
	}
	return m.channels.FindChannelBySender(ctx, tx.Sender, tx.Recipient)
}
