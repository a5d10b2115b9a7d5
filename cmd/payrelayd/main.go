package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"payrelay/config"
	"payrelay/crypto"
	"payrelay/gateway"
	"payrelay/ledger"
	"payrelay/ledger/feed"
	"payrelay/observability"
	"payrelay/observability/logging"
	"payrelay/relay"
	"payrelay/signer"
	"payrelay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "payrelay.toml", "path to the bot configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("payrelayd terminated", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Log.Level))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger := logging.Setup("payrelayd", cfg.Node.Network, logOpts...)

	logger.Info("payment relay starting",
		"name", cfg.Bot.Name,
		"modes", strings.Join(cfg.Bot.Modes, ","),
		"network", cfg.Node.Network,
		"read_wallet", cfg.Bot.Read.WalletAddress,
		"multisig", cfg.Bot.Sign.MultisigAddress,
		"endpoints", len(cfg.Node.Endpoints()))

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	endpoints := make([]ledger.Endpoint, 0, len(cfg.Node.Endpoints()))
	for _, ep := range cfg.Node.Endpoints() {
		endpoints = append(endpoints, ledger.Endpoint{Host: ep.Host, Port: ep.Port})
	}
	selector, err := ledger.NewSelector(endpoints)
	if err != nil {
		return err
	}
	client := ledger.NewHTTPClient(selector, cfg.AddressPrefix())

	nodeFeed := feed.New(selector, logger)
	nodeFeed.Subscribe(feed.TopicErrors, func(data json.RawMessage) {
		logger.Error("node reported an error", "body", string(data))
	})

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := gateway.NewHub(store, logger)

	var auditor *relay.Auditor
	if cfg.Bot.HasMode("read") {
		auditor, err = wireReadMode(rootCtx, cfg, store, selector, client, nodeFeed, hub, logger)
		if err != nil {
			return err
		}
	}
	if cfg.Bot.HasMode("sign") {
		signAuditor, err := wireSignMode(cfg, store, selector, client, nodeFeed, logger, auditor != nil)
		if err != nil {
			return err
		}
		if auditor == nil {
			auditor = signAuditor
		}
	}

	go func() {
		if err := nodeFeed.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("feed stopped", "error", err)
		}
	}()
	if auditor != nil {
		go func() {
			if err := auditor.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("auditor stopped", "error", err)
			}
		}()
	}

	authToken := ""
	if cfg.HTTP.Protected {
		authToken = os.Getenv(cfg.HTTP.AuthTokenEnv)
		if strings.TrimSpace(authToken) == "" {
			return fmt.Errorf("http protection enabled but %s is not set", cfg.HTTP.AuthTokenEnv)
		}
	}
	server := gateway.NewServer(store, hub, gateway.ServerConfig{
		Protected: cfg.HTTP.Protected,
		AuthToken: authToken,
	}, logger)
	srv := &http.Server{Addr: cfg.HTTP.ListenAddress, Handler: server}

	go func() {
		logger.Info("control api listening", "address", cfg.HTTP.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			cancel()
		}
	}()

	<-rootCtx.Done()

	logger.Info("shutting down")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	return nil
}

// wireReadMode connects the payment-channel pipeline: feed subscriptions,
// the shared processor, the fallback poller, and the liveness auditor.
func wireReadMode(ctx context.Context, cfg *config.Config, store *storage.Store, selector *ledger.Selector, client *ledger.HTTPClient, nodeFeed *feed.Feed, hub *gateway.Hub, logger *slog.Logger) (*relay.Auditor, error) {
	wallet := cfg.Bot.Read.WalletAddress
	prefix := cfg.AddressPrefix()

	matcher := relay.NewMatcher(store, cfg.Bot.Read.RequireMessage)
	processor := relay.NewProcessor(store, store, matcher, client, hub, logger,
		relay.WithMetrics(observability.Relay()))
	poller := relay.NewPoller(client, processor, store, wallet, logger,
		relay.WithPollInterval(cfg.Bot.Read.PollInterval.Duration),
		relay.WithPollerMetrics(observability.Relay()))
	auditor := relay.NewAuditor("pay-socket", selector, nodeFeed, client, store, logger,
		relay.WithAuditorMetrics(observability.Relay()),
		relay.WithOnRotate(func(rctx context.Context) {
			if err := poller.Reconcile(rctx); err != nil && rctx.Err() == nil {
				logger.Error("post-rotation reconcile failed", "error", err)
			}
		}))

	nodeFeed.Subscribe(feed.TopicBlocks, auditor.HandleBlock)
	nodeFeed.Subscribe(feed.TopicUnconfirmed(wallet), transactionHandler(ctx, processor, prefix, relay.TxUnconfirmed, logger))
	nodeFeed.Subscribe(feed.TopicConfirmed(wallet), transactionHandler(ctx, processor, prefix, relay.TxConfirmed, logger))

	hub.OnChannelOpen(func(ch *relay.Channel, watch time.Duration) {
		if watch <= 0 {
			watch = cfg.Bot.Read.WatchDuration.Duration
		}
		go poller.Watch(ctx, watch)
	})

	go func() {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("poller stopped", "error", err)
		}
	}()
	return auditor, nil
}

// wireSignMode connects the multisig cosignatory to the unconfirmed feed of
// the watched multisig account.
func wireSignMode(cfg *config.Config, store *storage.Store, selector *ledger.Selector, client *ledger.HTTPClient, nodeFeed *feed.Feed, logger *slog.Logger, hasReadAuditor bool) (*relay.Auditor, error) {
	policy := signer.Policy{
		AcceptFrom:     cfg.Bot.Sign.AcceptFrom,
		DailyCap:       cfg.Bot.Sign.DailyCap,
		SpendingWindow: cfg.Bot.Sign.SpendingWindow.Duration,
	}
	if cfg.Bot.Sign.PolicyFile != "" {
		loaded, err := signer.LoadPolicy(cfg.Bot.Sign.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}

	keyHex := os.Getenv(cfg.Bot.Sign.PrivateKeyEnv)
	cosignatory, err := signer.NewCosignatory(policy, cfg.Bot.Sign.MultisigAddress, keyHex, client, store, logger,
		signer.WithBroadcastRetries(cfg.Bot.Sign.BroadcastRetries),
		signer.WithCosignatoryMetrics(observability.Signer()))
	if err != nil {
		return nil, fmt.Errorf("configure cosignatory: %w", err)
	}

	prefix := cfg.AddressPrefix()
	nodeFeed.Subscribe(feed.TopicUnconfirmed(cfg.Bot.Sign.MultisigAddress), func(data json.RawMessage) {
		var env ledger.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Error("undecodable unconfirmed transaction", "error", err)
			return
		}
		rec, err := env.Record(prefix)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cosignatory.HandleUnconfirmed(ctx, rec); err != nil {
			logger.Error("co-signing failed", "hash", rec.Hash, "error", err)
		}
	})

	if hasReadAuditor {
		return nil, nil
	}
	auditor := relay.NewAuditor("sign-socket", selector, nodeFeed, client, store, logger,
		relay.WithAuditorMetrics(observability.Relay()))
	nodeFeed.Subscribe(feed.TopicBlocks, auditor.HandleBlock)
	return auditor, nil
}

// transactionHandler adapts a feed topic to the processing pipeline.
func transactionHandler(ctx context.Context, processor *relay.Processor, prefix crypto.AddressPrefix, status relay.TxStatus, logger *slog.Logger) feed.Handler {
	return func(data json.RawMessage) {
		var env ledger.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Error("undecodable feed transaction", "status", string(status), "error", err)
			return
		}
		rec, err := env.Record(prefix)
		if err != nil {
			// Non-transfer traffic on the address topics is expected.
			return
		}
		observability.Relay().RecordFeedMessage(string(status))
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := processor.HandleTransaction(hctx, rec, status, "feed"); err != nil {
			logger.Error("feed transaction processing failed", "hash", rec.Hash, "error", err)
		}
	}
}
