package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"payrelay/relay"
)

// CreateChannel inserts a new channel row.
func (s *Store) CreateChannel(ctx context.Context, ch *relay.Channel) error {
	const stmt = `INSERT INTO channels(
            id, payer, recipient, message, asset, amount, amount_paid, amount_unconfirmed,
            status, is_paid, paid_at, confirmed_hashes, unconfirmed_hashes, connections,
            archived, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	confirmed, unconfirmed, connections, err := encodeSets(ch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, stmt,
		ch.ID, ch.Payer, ch.Recipient, ch.Message, ch.Asset,
		ch.Amount, ch.AmountPaid, ch.AmountUnconfirmed,
		string(ch.Status), boolInt(ch.IsPaid), nullTime(ch.PaidAt),
		confirmed, unconfirmed, connections,
		boolInt(ch.Archived), ch.CreatedAt.UTC(), ch.UpdatedAt.UTC())
	return err
}

// UpdateChannel rewrites a channel row. The row must exist.
func (s *Store) UpdateChannel(ctx context.Context, ch *relay.Channel) error {
	const stmt = `UPDATE channels SET
            payer = ?, recipient = ?, message = ?, asset = ?, amount = ?,
            amount_paid = ?, amount_unconfirmed = ?, status = ?, is_paid = ?, paid_at = ?,
            confirmed_hashes = ?, unconfirmed_hashes = ?, connections = ?,
            archived = ?, updated_at = ?
        WHERE id = ?`
	confirmed, unconfirmed, connections, err := encodeSets(ch)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, stmt,
		ch.Payer, ch.Recipient, ch.Message, ch.Asset, ch.Amount,
		ch.AmountPaid, ch.AmountUnconfirmed, string(ch.Status), boolInt(ch.IsPaid), nullTime(ch.PaidAt),
		confirmed, unconfirmed, connections,
		boolInt(ch.Archived), ch.UpdatedAt.UTC(), ch.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("storage: channel not found")
	}
	return nil
}

const channelColumns = `id, payer, recipient, message, asset, amount, amount_paid,
    amount_unconfirmed, status, is_paid, paid_at, confirmed_hashes, unconfirmed_hashes,
    connections, archived, created_at, updated_at`

// GetChannel returns the channel with the given id, or (nil, nil) when it
// does not exist.
func (s *Store) GetChannel(ctx context.Context, id string) (*relay.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = ?`
	return s.scanChannel(s.db.QueryRowContext(ctx, query, id))
}

// FindChannelByInvoice matches an open channel by recipient and invoice
// token. Invoice tokens compare case-insensitively.
func (s *Store) FindChannelByInvoice(ctx context.Context, recipient, message string) (*relay.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels
        WHERE archived = 0 AND is_paid = 0 AND recipient = ? AND message <> '' AND LOWER(message) = LOWER(?)
        ORDER BY created_at DESC LIMIT 1`
	return s.scanChannel(s.db.QueryRowContext(ctx, query, recipient, message))
}

// FindChannelBySender matches an open channel by payer and recipient.
func (s *Store) FindChannelBySender(ctx context.Context, sender, recipient string) (*relay.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels
        WHERE archived = 0 AND is_paid = 0 AND payer = ? AND recipient = ?
        ORDER BY created_at DESC LIMIT 1`
	return s.scanChannel(s.db.QueryRowContext(ctx, query, sender, recipient))
}

// FindOpenChannel matches an open channel by its full (payer, recipient,
// invoice) tuple, used to reuse channels across repeated open requests.
func (s *Store) FindOpenChannel(ctx context.Context, payer, recipient, message string) (*relay.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels
        WHERE archived = 0 AND is_paid = 0 AND payer = ? AND recipient = ? AND LOWER(message) = LOWER(?)
        ORDER BY created_at DESC LIMIT 1`
	return s.scanChannel(s.db.QueryRowContext(ctx, query, payer, recipient, message))
}

// ListChannels returns every channel, newest first.
func (s *Store) ListChannels(ctx context.Context) ([]*relay.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []*relay.Channel
	for rows.Next() {
		ch, err := s.scanChannelRow(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// AddChannelConnection registers a subscriber connection id on the channel.
func (s *Store) AddChannelConnection(ctx context.Context, id, connectionID string) error {
	ch, err := s.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if ch == nil {
		return errors.New("storage: channel not found")
	}
	for _, existing := range ch.Connections {
		if existing == connectionID {
			return nil
		}
	}
	ch.Connections = append(ch.Connections, connectionID)
	ch.UpdatedAt = time.Now().UTC()
	return s.UpdateChannel(ctx, ch)
}

// ArchiveChannel closes the channel; archived channels no longer match.
func (s *Store) ArchiveChannel(ctx context.Context, id string) error {
	const stmt = `UPDATE channels SET archived = 1, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, stmt, time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanChannel(row *sql.Row) (*relay.Channel, error) {
	ch, err := s.scanChannelRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Store) scanChannelRow(row rowScanner) (*relay.Channel, error) {
	var (
		ch          relay.Channel
		status      string
		isPaid      int
		archived    int
		paidAt      sql.NullTime
		confirmed   string
		unconfirmed string
		connections string
	)
	err := row.Scan(&ch.ID, &ch.Payer, &ch.Recipient, &ch.Message, &ch.Asset,
		&ch.Amount, &ch.AmountPaid, &ch.AmountUnconfirmed, &status, &isPaid, &paidAt,
		&confirmed, &unconfirmed, &connections, &archived, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ch.Status = relay.Status(status)
	ch.IsPaid = isPaid != 0
	ch.Archived = archived != 0
	if paidAt.Valid {
		ch.PaidAt = paidAt.Time
	}
	if ch.ConfirmedHashes, err = decodeSet(confirmed); err != nil {
		return nil, err
	}
	if ch.UnconfirmedHashes, err = decodeSet(unconfirmed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(connections), &ch.Connections); err != nil {
		return nil, err
	}
	return &ch, nil
}

func encodeSets(ch *relay.Channel) (confirmed, unconfirmed, connections string, err error) {
	if confirmed, err = encodeSet(ch.ConfirmedHashes); err != nil {
		return
	}
	if unconfirmed, err = encodeSet(ch.UnconfirmedHashes); err != nil {
		return
	}
	conns := ch.Connections
	if conns == nil {
		conns = []string{}
	}
	raw, err := json.Marshal(conns)
	if err != nil {
		return
	}
	connections = string(raw)
	return
}

func encodeSet(set map[string]bool) (string, error) {
	hashes := make([]string, 0, len(set))
	for hash := range set {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	raw, err := json.Marshal(hashes)
	return string(raw), err
}

func decodeSet(raw string) (map[string]bool, error) {
	var hashes []string
	if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		set[hash] = true
	}
	return set, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
