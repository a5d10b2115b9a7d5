package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"payrelay/ledger"
)

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	reconnectDelay = 5 * time.Second
)

// Topics published by the node's websocket endpoint.
const (
	TopicErrors = "/errors"
	TopicBlocks = "/blocks/new"
)

// TopicUnconfirmed is the pending-transaction stream for an address.
func TopicUnconfirmed(address string) string {
	return "/unconfirmed/" + address
}

// TopicConfirmed is the confirmed-transaction stream for an address.
func TopicConfirmed(address string) string {
	return "/transactions/" + address
}

// Handler consumes one inbound message on a topic. Handlers run on the feed's
// read loop and must not block on network I/O of their own.
type Handler func(data json.RawMessage)

type frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type subscribeFrame struct {
	Subscribe string `json:"subscribe"`
}

// Feed is a supervised websocket subscription to the node. A dropped
// connection reconnects to the same endpoint; an unreachable endpoint rotates
// the selector first. External reconnect requests (from the liveness auditor)
// flow through a single coordinator channel rather than re-entrant calls.
type Feed struct {
	selector *ledger.Selector
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	reconnect chan struct{}
}

func New(selector *ledger.Selector, logger *slog.Logger) *Feed {
	return &Feed{
		selector:  selector,
		logger:    logger.With("component", "feed"),
		handlers:  make(map[string]Handler),
		reconnect: make(chan struct{}, 1),
	}
}

// Subscribe registers the handler for a topic. Registrations made while the
// feed is running take effect on the next (re)connect.
func (f *Feed) Subscribe(topic string, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
}

// RequestReconnect asks the run loop to drop the current connection and dial
// the selector's current endpoint again. Duplicate requests while one is
// pending coalesce.
func (f *Feed) RequestReconnect() {
	select {
	case f.reconnect <- struct{}{}:
	default:
	}
}

// Run dials, subscribes, and pumps messages until ctx is cancelled. It never
// returns a transport error; failures are classified and recovered in place.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		endpoint := f.selector.Current()
		err := f.session(ctx, endpoint)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			// Reconnect requested; dial whatever is current now.
			continue
		case ledger.IsUnreachable(err):
			rotated := f.selector.Rotate()
			f.logger.Warn("endpoint unreachable, rotating",
				"endpoint", endpoint.URL(), "next", rotated.URL(), "error", err)
		default:
			f.logger.Warn("feed connection dropped, reconnecting",
				"endpoint", endpoint.URL(), "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// session owns one connection: dial, subscribe all topics, pump until the
// connection fails, the context ends, or a reconnect is requested. A nil
// return means a requested reconnect.
func (f *Feed) session(ctx context.Context, endpoint ledger.Endpoint) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint.WebsocketURL(), nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	for _, topic := range f.topics() {
		if err := f.writeSubscribe(ctx, conn, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	f.logger.Info("feed connected", "endpoint", endpoint.URL(), "topics", len(f.topics()))

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-connCtx.Done():
		case <-f.reconnect:
			stop()
		}
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if connCtx.Err() != nil && ctx.Err() == nil {
				return nil
			}
			return err
		}
		f.dispatch(data)
	}
}

func (f *Feed) writeSubscribe(ctx context.Context, conn *websocket.Conn, topic string) error {
	data, err := json.Marshal(subscribeFrame{Subscribe: topic})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (f *Feed) dispatch(data []byte) {
	var msg frame
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Error("undecodable feed message", "error", err)
		return
	}
	f.mu.Lock()
	handler, ok := f.handlers[msg.Topic]
	f.mu.Unlock()
	if !ok {
		f.logger.Debug("message on unsubscribed topic", "topic", msg.Topic)
		return
	}
	handler(msg.Data)
}

func (f *Feed) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.handlers))
	for topic := range f.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
