package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"payrelay/relay"
)

// memDirectory is an in-memory ChannelDirectory.
type memDirectory struct {
	mu       sync.Mutex
	channels map[string]*relay.Channel
}

func newMemDirectory() *memDirectory {
	return &memDirectory{channels: make(map[string]*relay.Channel)}
}

func (d *memDirectory) FindOpenChannel(_ context.Context, payer, recipient, message string) (*relay.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.channels {
		if ch.Open() && ch.Payer == payer && ch.Recipient == recipient && strings.EqualFold(ch.Message, message) {
			return ch, nil
		}
	}
	return nil, nil
}

func (d *memDirectory) CreateChannel(_ context.Context, ch *relay.Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.ID] = ch
	return nil
}

func (d *memDirectory) AddChannelConnection(_ context.Context, id, connectionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.channels[id]; ok {
		ch.Connections = append(ch.Connections, connectionID)
	}
	return nil
}

func (d *memDirectory) ArchiveChannel(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.channels[id]; ok {
		ch.Archived = true
	}
	return nil
}

func (d *memDirectory) single(t *testing.T) *relay.Channel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.channels, 1)
	for _, ch := range d.channels {
		return ch
	}
	return nil
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]interface{}{"event": event, "data": json.RawMessage(raw)})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.Event, msg.Data
}

func TestHubOpensChannelAndForwardsUpdates(t *testing.T) {
	directory := newMemDirectory()
	hub := NewHub(directory, slog.Default())

	type opened struct {
		ch    *relay.Channel
		watch time.Duration
	}
	openedCh := make(chan opened, 1)
	hub.OnChannelOpen(func(ch *relay.Channel, watch time.Duration) {
		openedCh <- opened{ch: ch, watch: watch}
	})

	conn := dialHub(t, hub)
	writeEvent(t, conn, "open_channel", map[string]interface{}{
		"sender":    "tpay1payer",
		"recipient": "tpay1recipient",
		"message":   "INV-1",
		"amount":    100,
		"duration":  "5m",
	})

	event, data := readEvent(t, conn)
	require.Equal(t, "channel_opened", event)
	var reply struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &reply))
	require.NotEmpty(t, reply.Channel)
	require.Equal(t, "tpay1recipient", reply.Recipient)
	require.Equal(t, "INV-1", reply.Message)

	select {
	case got := <-openedCh:
		require.Equal(t, reply.Channel, got.ch.ID)
		require.Equal(t, 5*time.Minute, got.watch)
	case <-time.After(5 * time.Second):
		t.Fatal("channel open callback never fired")
	}

	// A payment update on the channel reaches the subscribed connection.
	ch := directory.single(t)
	require.Len(t, ch.Connections, 1)
	ch.AmountPaid = 100
	ch.Status = relay.StatusPaid
	ch.IsPaid = true
	hub.EmitPaymentUpdate(ch, relay.EventFrom(ch))

	event, data = readEvent(t, conn)
	require.Equal(t, "payment_status_update", event)
	var ev relay.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, relay.StatusPaid, ev.Status)
	require.True(t, ev.IsPaid)
}

func TestHubReusesOpenChannel(t *testing.T) {
	directory := newMemDirectory()
	hub := NewHub(directory, slog.Default())
	hub.OnChannelOpen(func(*relay.Channel, time.Duration) {})

	conn := dialHub(t, hub)
	request := map[string]interface{}{
		"sender":    "tpay1payer",
		"recipient": "tpay1recipient",
		"message":   "INV-1",
		"amount":    100,
	}
	writeEvent(t, conn, "open_channel", request)
	event, data := readEvent(t, conn)
	require.Equal(t, "channel_opened", event)
	var first struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(data, &first))

	writeEvent(t, conn, "open_channel", request)
	event, data = readEvent(t, conn)
	require.Equal(t, "channel_opened", event)
	var second struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(data, &second))

	require.Equal(t, first.Channel, second.Channel, "the open tuple maps to one channel")
}

func TestHubRejectsUnidentifiableOpenRequest(t *testing.T) {
	directory := newMemDirectory()
	hub := NewHub(directory, slog.Default())

	conn := dialHub(t, hub)
	// No sender and no invoice message: nothing could ever match.
	writeEvent(t, conn, "open_channel", map[string]interface{}{
		"recipient": "tpay1recipient",
		"amount":    100,
	})

	// A valid follow-up request is answered, proving the bad one was consumed
	// without creating anything.
	writeEvent(t, conn, "open_channel", map[string]interface{}{
		"sender":    "tpay1payer",
		"recipient": "tpay1recipient",
		"message":   "INV-1",
	})
	event, _ := readEvent(t, conn)
	require.Equal(t, "channel_opened", event)

	directory.mu.Lock()
	defer directory.mu.Unlock()
	require.Len(t, directory.channels, 1)
}

func TestHubClosesChannel(t *testing.T) {
	directory := newMemDirectory()
	hub := NewHub(directory, slog.Default())
	hub.OnChannelOpen(func(*relay.Channel, time.Duration) {})

	conn := dialHub(t, hub)
	writeEvent(t, conn, "open_channel", map[string]interface{}{
		"sender":    "tpay1payer",
		"recipient": "tpay1recipient",
		"message":   "INV-1",
	})
	_, data := readEvent(t, conn)
	var reply struct {
		Channel string `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(data, &reply))

	writeEvent(t, conn, "close_channel", map[string]interface{}{"channel": reply.Channel})

	require.Eventually(t, func() bool {
		directory.mu.Lock()
		defer directory.mu.Unlock()
		ch, ok := directory.channels[reply.Channel]
		return ok && ch.Archived
	}, time.Second, 10*time.Millisecond)
}

func TestParseWatchDuration(t *testing.T) {
	require.Equal(t, time.Duration(0), parseWatchDuration(""))
	require.Equal(t, time.Duration(0), parseWatchDuration("soon"))
	require.Equal(t, time.Duration(0), parseWatchDuration("-5m"))
	require.Equal(t, 15*time.Minute, parseWatchDuration("15m"))
}
