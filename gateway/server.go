package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payrelay/gateway/middleware"
	"payrelay/relay"
	"payrelay/signer"
)

// Version is reported by the version endpoint.
const Version = "1.0.0"

// Registry is the read-only persistence surface of the control API.
type Registry interface {
	ListChannels(ctx context.Context) ([]*relay.Channel, error)
	ListSigned(ctx context.Context, limit int) ([]signer.SignedRecord, error)
}

// Server is the HTTP control surface: a small JSON API for operators, the
// Prometheus endpoint, and the backend subscriber websocket.
type Server struct {
	router   chi.Router
	registry Registry
	hub      *Hub
	logger   *slog.Logger
}

// ServerConfig carries the HTTP toggles from the bot configuration.
type ServerConfig struct {
	Protected bool
	AuthToken string
}

func NewServer(registry Registry, hub *Hub, cfg ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		hub:      hub,
		logger:   logger.With("component", "gateway"),
	}

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"api": {RequestsPerMinute: 120, Burst: 30},
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware("api"))
		if cfg.Protected {
			r.Use(middleware.BearerAuth(cfg.AuthToken))
		}
		r.Get("/ping", s.handlePing)
		r.Get("/version", s.handleVersion)
		r.Get("/channels", s.handleChannels)
		r.Get("/transactions", s.handleTransactions)
	})
	s.router.Handle("/metrics", promhttp.Handler())
	if hub != nil {
		s.router.Get("/ws", hub.ServeHTTP)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

type channelView struct {
	ID                string       `json:"id"`
	Sender            string       `json:"sender"`
	Recipient         string       `json:"recipient"`
	Message           string       `json:"message"`
	Asset             string       `json:"asset"`
	Amount            int64        `json:"amount"`
	AmountPaid        int64        `json:"amountPaid"`
	AmountUnconfirmed int64        `json:"amountUnconfirmed"`
	Status            relay.Status `json:"status"`
	IsPaid            bool         `json:"isPaid"`
	Archived          bool         `json:"archived"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.registry.ListChannels(r.Context())
	if err != nil {
		s.logger.Error("channel listing failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, channelView{
			ID:                ch.ID,
			Sender:            ch.Payer,
			Recipient:         ch.Recipient,
			Message:           ch.Message,
			Asset:             ch.Asset,
			Amount:            ch.Amount,
			AmountPaid:        ch.AmountPaid,
			AmountUnconfirmed: ch.AmountUnconfirmed,
			Status:            ch.Status,
			IsPaid:            ch.IsPaid,
			Archived:          ch.Archived,
			CreatedAt:         ch.CreatedAt,
			UpdatedAt:         ch.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": views})
}

type signedView struct {
	Multisig    string    `json:"multisig"`
	Cosignatory string    `json:"cosignatory"`
	Hash        string    `json:"transactionHash"`
	Amount      int64     `json:"amount"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.ListSigned(r.Context(), 100)
	if err != nil {
		s.logger.Error("signed transaction listing failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	views := make([]signedView, 0, len(records))
	for _, rec := range records {
		views = append(views, signedView{
			Multisig:    rec.Multisig,
			Cosignatory: rec.Cosignatory,
			Hash:        rec.Hash,
			Amount:      rec.Amount,
			CreatedAt:   rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": views})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
