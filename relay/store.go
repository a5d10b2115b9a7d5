package relay

import (
	"context"
	"time"
)

// ChannelStore persists payment channels. Find methods return (nil, nil) when
// nothing matches and consider open channels only.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	FindChannelByInvoice(ctx context.Context, recipient, message string) (*Channel, error)
	FindChannelBySender(ctx context.Context, sender, recipient string) (*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	AddChannelConnection(ctx context.Context, id, connectionID string) error
	ListChannels(ctx context.Context) ([]*Channel, error)
	ArchiveChannel(ctx context.Context, id string) error
}

// PoolStore is the durable dedup ledger of already-processed transactions,
// keyed by (status, hash). MarkSeen is an atomic insert-if-absent: it reports
// whether this call inserted the entry, which is the exactly-once gate across
// the feed and poll paths.
type PoolStore interface {
	MarkSeen(ctx context.Context, status TxStatus, hash string) (bool, error)
	Seen(ctx context.Context, status TxStatus, hash string) (bool, error)
	SeenAny(ctx context.Context, hash string) (bool, error)
	Unmark(ctx context.Context, status TxStatus, hash string) error
}

// HeightStore records block heights observed per module for the liveness
// auditor.
type HeightStore interface {
	RecordHeight(ctx context.Context, module string, height int64, observedAt time.Time) error
	LatestHeight(ctx context.Context, module string) (int64, time.Time, error)
}
