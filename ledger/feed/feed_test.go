package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"payrelay/ledger"
)

// feedServer is a minimal node websocket endpoint: it accepts connections,
// consumes subscribe frames, and pushes one canned message per subscribed
// topic.
type feedServer struct {
	srv      *httptest.Server
	conns    atomic.Int32
	connCh   chan struct{}
	payloads map[string]string
}

func newFeedServer(t *testing.T, payloads map[string]string) *feedServer {
	t.Helper()
	fs := &feedServer{
		connCh:   make(chan struct{}, 8),
		payloads: payloads,
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "server closed")
		fs.conns.Add(1)
		fs.connCh <- struct{}{}

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var sub struct {
				Subscribe string `json:"subscribe"`
			}
			if err := json.Unmarshal(data, &sub); err != nil || sub.Subscribe == "" {
				continue
			}
			payload, ok := fs.payloads[sub.Subscribe]
			if !ok {
				continue
			}
			msg, err := json.Marshal(map[string]json.RawMessage{
				"topic": json.RawMessage(strconv.Quote(sub.Subscribe)),
				"data":  json.RawMessage(payload),
			})
			if err != nil {
				continue
			}
			if err := conn.Write(r.Context(), websocket.MessageText, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) endpoint(t *testing.T) ledger.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fs.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ledger.Endpoint{Host: host, Port: port}
}

func runFeed(t *testing.T, feed *Feed) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("feed did not stop")
		}
	})
	return cancel
}

func TestFeedDeliversSubscribedTopics(t *testing.T) {
	server := newFeedServer(t, map[string]string{
		TopicBlocks: `{"height":42}`,
	})
	selector, err := ledger.NewSelector([]ledger.Endpoint{server.endpoint(t)})
	require.NoError(t, err)

	feed := New(selector, slog.Default())
	received := make(chan json.RawMessage, 1)
	feed.Subscribe(TopicBlocks, func(data json.RawMessage) {
		select {
		case received <- data:
		default:
		}
	})

	runFeed(t, feed)

	select {
	case data := <-received:
		var block struct {
			Height int64 `json:"height"`
		}
		require.NoError(t, json.Unmarshal(data, &block))
		require.Equal(t, int64(42), block.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("block message never arrived")
	}
}

func TestFeedReconnectsOnRequest(t *testing.T) {
	server := newFeedServer(t, nil)
	selector, err := ledger.NewSelector([]ledger.Endpoint{server.endpoint(t)})
	require.NoError(t, err)

	feed := New(selector, slog.Default())
	feed.Subscribe(TopicErrors, func(json.RawMessage) {})

	runFeed(t, feed)

	select {
	case <-server.connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("first connection never arrived")
	}

	feed.RequestReconnect()

	select {
	case <-server.connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never arrived")
	}
	require.GreaterOrEqual(t, server.conns.Load(), int32(2))
}

func TestFeedRotatesAwayFromUnreachableEndpoint(t *testing.T) {
	server := newFeedServer(t, map[string]string{
		TopicBlocks: `{"height":7}`,
	})
	// Nothing listens on port 1; the feed must rotate to the live endpoint.
	selector, err := ledger.NewSelector([]ledger.Endpoint{
		{Host: "127.0.0.1", Port: 1},
		server.endpoint(t),
	})
	require.NoError(t, err)

	feed := New(selector, slog.Default())
	received := make(chan json.RawMessage, 1)
	feed.Subscribe(TopicBlocks, func(data json.RawMessage) {
		select {
		case received <- data:
		default:
		}
	})

	runFeed(t, feed)

	select {
	case <-received:
	case <-time.After(15 * time.Second):
		t.Fatal("feed never reached the live endpoint")
	}
	require.Equal(t, server.endpoint(t), selector.Current())
}
