package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoEndpoints reports an empty endpoint list.
var ErrNoEndpoints = errors.New("ledger: no endpoints configured")

// Endpoint identifies one node of the active network.
type Endpoint struct {
	Host string
	Port int
}

// URL renders the REST base URL for the endpoint. Hosts may carry their own
// scheme; plain hosts default to http.
func (e Endpoint) URL() string {
	host := strings.TrimRight(e.Host, "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return fmt.Sprintf("%s:%d", host, e.Port)
}

// WebsocketURL renders the websocket base URL for the endpoint.
func (e Endpoint) WebsocketURL() string {
	host := e.Host
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return fmt.Sprintf("ws://%s:%d/w/messages", strings.TrimRight(host, "/"), e.Port)
}

// Selector hands out the active endpoint and rotates away from it when a
// caller reports it unhealthy. Rotation walks the configured list round-robin;
// with a single entry it returns the same endpoint, which callers treat as a
// normal rotation.
type Selector struct {
	mu        sync.Mutex
	endpoints []Endpoint
	current   int
}

func NewSelector(endpoints []Endpoint) (*Selector, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Selector{endpoints: append([]Endpoint(nil), endpoints...)}, nil
}

// Current returns the endpoint all ledger traffic should use right now.
func (s *Selector) Current() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[s.current]
}

// Rotate advances to the next endpoint and returns it.
func (s *Selector) Rotate() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = (s.current + 1) % len(s.endpoints)
	return s.endpoints[s.current]
}
