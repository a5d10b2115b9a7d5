package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"payrelay/relay"
)

const hubWriteTimeout = 10 * time.Second

// ChannelDirectory is the slice of channel persistence the hub needs.
type ChannelDirectory interface {
	FindOpenChannel(ctx context.Context, payer, recipient, message string) (*relay.Channel, error)
	CreateChannel(ctx context.Context, ch *relay.Channel) error
	AddChannelConnection(ctx context.Context, id, connectionID string) error
	ArchiveChannel(ctx context.Context, id string) error
}

// inbound is a backend-to-bot frame.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type openChannelRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Duration  string `json:"duration"`
}

type closeChannelRequest struct {
	Channel string `json:"channel"`
}

type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type subscriber struct {
	id   string
	conn *websocket.Conn
}

// Hub owns the backend subscriber connections and the fan-out of payment
// status updates. Every connection registered on a channel receives its
// updates, not just the most recent one; connections that have gone away are
// skipped and evicted on disconnect.
type Hub struct {
	channels ChannelDirectory
	logger   *slog.Logger
	now      func() time.Time

	// onOpen starts the per-channel watch schedule (cold-fill reconcile plus
	// interval polling for the requested duration).
	onOpen func(ch *relay.Channel, watch time.Duration)

	mu    sync.RWMutex
	conns map[string]*subscriber
}

func NewHub(channels ChannelDirectory, logger *slog.Logger) *Hub {
	return &Hub{
		channels: channels,
		logger:   logger.With("component", "hub"),
		now:      time.Now,
		conns:    make(map[string]*subscriber),
	}
}

// OnChannelOpen registers the callback run for every newly opened or re-used
// channel subscription.
func (h *Hub) OnChannelOpen(fn func(ch *relay.Channel, watch time.Duration)) {
	h.onOpen = fn
}

// ServeHTTP upgrades a backend connection and pumps its control events until
// it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	sub := &subscriber{id: uuid.NewString(), conn: conn}
	h.register(sub)
	defer h.evict(sub.id)
	defer conn.Close(websocket.StatusNormalClosure, "subscriber closed")

	h.logger.Info("backend subscriber connected", "connection", sub.id)
	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && r.Context().Err() == nil {
				h.logger.Warn("subscriber read failed", "connection", sub.id, "error", err)
			}
			return
		}
		h.handleEvent(r.Context(), sub, data)
	}
}

func (h *Hub) handleEvent(ctx context.Context, sub *subscriber, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("undecodable subscriber event", "connection", sub.id, "error", err)
		return
	}
	switch msg.Event {
	case "open_channel":
		h.handleOpenChannel(ctx, sub, msg.Data)
	case "close_channel":
		h.handleCloseChannel(ctx, sub, msg.Data)
	default:
		h.logger.Warn("unknown subscriber event", "connection", sub.id, "event", msg.Event)
	}
}

// handleOpenChannel creates a channel for the requested (payer, recipient,
// invoice) tuple, or re-uses the open one, and registers the connection as a
// subscriber on it.
func (h *Hub) handleOpenChannel(ctx context.Context, sub *subscriber, data json.RawMessage) {
	var req openChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("bad open_channel payload", "connection", sub.id, "error", err)
		return
	}
	if req.Recipient == "" || (req.Sender == "" && req.Message == "") {
		h.logger.Warn("open_channel needs a recipient plus a sender or invoice message", "connection", sub.id)
		return
	}

	ch, err := h.channels.FindOpenChannel(ctx, req.Sender, req.Recipient, req.Message)
	if err != nil {
		h.logger.Error("channel lookup failed", "connection", sub.id, "error", err)
		return
	}
	if ch == nil {
		ch = relay.NewChannel(uuid.NewString(), req.Sender, req.Recipient, req.Message, req.Asset, req.Amount, h.now())
		if err := h.channels.CreateChannel(ctx, ch); err != nil {
			h.logger.Error("channel create failed", "connection", sub.id, "error", err)
			return
		}
		h.logger.Info("opened payment channel",
			"channel", ch.ID, "payer", ch.Payer, "recipient", ch.Recipient, "invoice", ch.Message, "amount", ch.Amount)
	}
	if err := h.channels.AddChannelConnection(ctx, ch.ID, sub.id); err != nil {
		h.logger.Error("channel connection registration failed", "channel", ch.ID, "error", err)
		return
	}
	ch.Connections = append(ch.Connections, sub.id)

	h.send(sub, outbound{Event: "channel_opened", Data: map[string]interface{}{
		"channel":   ch.ID,
		"sender":    ch.Payer,
		"recipient": ch.Recipient,
		"message":   ch.Message,
		"amount":    ch.Amount,
		"status":    ch.Status,
	}})

	if h.onOpen != nil {
		h.onOpen(ch, parseWatchDuration(req.Duration))
	}
}

func (h *Hub) handleCloseChannel(ctx context.Context, sub *subscriber, data json.RawMessage) {
	var req closeChannelRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		h.logger.Warn("bad close_channel payload", "connection", sub.id)
		return
	}
	if err := h.channels.ArchiveChannel(ctx, req.Channel); err != nil {
		h.logger.Error("channel archive failed", "channel", req.Channel, "error", err)
		return
	}
	h.logger.Info("archived payment channel", "channel", req.Channel, "connection", sub.id)
}

// EmitPaymentUpdate fans a payment status event out to every connection
// registered on the channel. Implements relay.Emitter.
func (h *Hub) EmitPaymentUpdate(ch *relay.Channel, ev relay.Event) {
	payload := outbound{Event: "payment_status_update", Data: ev}
	delivered := 0
	for _, connID := range ch.Connections {
		h.mu.RLock()
		sub, ok := h.conns[connID]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		h.send(sub, payload)
		delivered++
	}
	h.logger.Info("payment status update forwarded",
		"channel", ch.ID, "status", ev.Status, "subscribers", delivered)
}

func (h *Hub) send(sub *subscriber, msg outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("unencodable outbound event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hubWriteTimeout)
	defer cancel()
	if err := sub.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Warn("subscriber write failed", "connection", sub.id, "error", err)
	}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sub.id] = sub
}

func (h *Hub) evict(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func parseWatchDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
