package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"marketsteps/internal/chainguard"
	"marketsteps/internal/config"
	"marketsteps/internal/confirm"
	"marketsteps/internal/engine"
	"marketsteps/internal/generator"
	"marketsteps/internal/idempotency"
	"marketsteps/internal/logging"
	"marketsteps/internal/marketplace"
	"marketsteps/internal/networks"
	"marketsteps/internal/postnotify"
	"marketsteps/internal/server"
	"marketsteps/internal/submitter"
	"marketsteps/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{
		Enabled: cfg.Logging.Enabled,
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
	})

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, closeWallet, err := openWallet(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	defer closeWallet()

	store, closeStore, err := idempotency.Open(ctx, cfg.Service.StoreOptions())
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeStore()

	source, closeSources, err := receiptSources(ctx, cfg)
	if err != nil {
		return fmt.Errorf("receipt sources: %w", err)
	}
	defer closeSources()

	registry := prometheus.NewRegistry()
	orchestrator := engine.New(engine.Deps{
		Guard:     chainguard.New(log),
		Submitter: submitter.New(cfg.Networks),
		Waiter:    confirm.NewWaiter(source, cfg.Confirmation.Timeout),
		Notifier: postnotify.New(postnotify.Config{
			Timeout:       cfg.PostNotify.Timeout,
			RatePerSecond: cfg.PostNotify.RatePerSecond,
			Burst:         cfg.PostNotify.Burst,
			Secret:        cfg.PostNotify.HMACSecret,
		}, log),
		Metrics: engine.NewMetrics(registry),
	})

	mkt, err := marketplace.NewHTTPClient(marketplace.Config{
		BaseURL:       cfg.Marketplace.BaseURL,
		AccessKey:     cfg.Marketplace.AccessKey,
		Timeout:       cfg.Marketplace.Timeout,
		RatePerSecond: cfg.Marketplace.RatePerSecond,
		Burst:         cfg.Marketplace.Burst,
	})
	if err != nil {
		return fmt.Errorf("marketplace client: %w", err)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Generator: generator.New(mkt),
		Engine:    orchestrator,
		Wallet:    w,
		Store:     store,
		Logger:    log,
		Registry:  registry,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

// openWallet prefers a local key; otherwise it drives an external signer
// over JSON-RPC.
func openWallet(ctx context.Context, cfg *config.AppConfig) (wallet.Wallet, func(), error) {
	if cfg.Wallet.PrivateKey != "" {
		kw, err := wallet.DialKeyWallet(ctx, wallet.KeyWalletConfig{
			PrivateKeyHex:  cfg.Wallet.PrivateKey,
			InitialChainID: cfg.ChainID,
			DisableSwitch:  cfg.Wallet.DisableSwitch,
		}, cfg.Networks)
		if err != nil {
			return nil, nil, err
		}
		return kw, func() {}, nil
	}

	rw, err := wallet.DialRPCWallet(ctx, cfg.Wallet.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	return rw, rw.Close, nil
}

// receiptSources routes each chain to its indexer when one is configured and
// to node polling otherwise.
func receiptSources(ctx context.Context, cfg *config.AppConfig) (confirm.Source, func(), error) {
	sources := make(map[uint64]confirm.Source)
	var clients []*ethclient.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for _, id := range cfg.Networks.ChainIDs() {
		n, _ := cfg.Networks.Lookup(id)
		if src := indexerFor(n, cfg); src != nil {
			sources[id] = src
			continue
		}
		if n.RPCURL == "" {
			continue
		}
		cli, err := ethclient.DialContext(ctx, n.RPCURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial %s rpc: %w", n.Name, err)
		}
		clients = append(clients, cli)
		sources[id] = confirm.NewChainSource(cli, cfg.Confirmation.PollInterval)
	}
	return confirm.NewRouter(sources), closeAll, nil
}

func indexerFor(n networks.Network, cfg *config.AppConfig) confirm.Source {
	url := n.IndexerURL
	if url == "" {
		url = cfg.Confirmation.IndexerURL
	}
	if url == "" {
		return nil
	}
	return confirm.NewIndexerSource(url, cfg.Marketplace.AccessKey)
}
