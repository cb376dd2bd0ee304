package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pledgechain/internal/chain"
	"pledgechain/internal/config"
	"pledgechain/internal/contracts"
	"pledgechain/internal/escrow"
	"pledgechain/internal/events"
	"pledgechain/internal/health"
	"pledgechain/internal/idempotency"
	"pledgechain/internal/position"
	"pledgechain/internal/projects"
	"pledgechain/internal/query"
	"pledgechain/internal/receipts"
	"pledgechain/internal/server"
)

const (
	appName         = "pledgechain"
	shutdownTimeout = 15 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Crowdfunding API backed by escrow and investment receipt contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "probe",
			Short: "Dial the first configured network and print its latest block",
			RunE:  runProbe,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.AppConfig) (*zap.Logger, error) {
	if cfg.Service.LogDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectors(cfg *config.AppConfig) ([]chain.Connector, error) {
	var out []chain.Connector
	if cfg.Chain.PrivateKey != "" {
		key, err := chain.NewKeyConnector(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet key: %w", err)
		}
		out = append(out, key)
	}
	if cfg.Chain.RemoteSignerURL != "" {
		out = append(out, chain.NewRemoteSignerConnector(cfg.Chain.RemoteSignerURL))
	}
	if cfg.Chain.KeystoreDir != "" {
		out = append(out, chain.NewKeystoreConnector(cfg.Chain.KeystoreDir, cfg.Chain.KeystorePassphrase))
	}
	return out, nil
}

type stores struct {
	projects projects.Service
	journal  idempotency.Store
	ping     func(context.Context) error
	close    func()
}

// openStores uses Postgres when DATABASE_URL is set and memory otherwise.
func openStores(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (stores, error) {
	if cfg.Service.DatabaseURL == "" {
		log.Warn("DATABASE_URL is empty; projects and submissions are kept in memory")
		return stores{
			projects: projects.NewMemoryStore(),
			journal:  idempotency.NewMemoryStore(),
			close:    func() {},
		}, nil
	}
	projectStore, err := projects.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("projects store: %w", err)
	}
	journal, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
	if err != nil {
		projectStore.Close()
		return stores{}, fmt.Errorf("submission journal: %w", err)
	}
	return stores{
		projects: projectStore,
		journal:  journal,
		ping:     projectStore.Ping,
		close: func() {
			journal.Close()
			projectStore.Close()
		},
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn("configuration", zap.String("problem", w))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := server.NewMetrics()

	conns, err := connectors(cfg)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		log.Warn("no wallet connector configured; connect requests will fail")
	}
	client, err := chain.New(chain.Config{
		ProjectID: cfg.Chain.WalletConnectProjectID,
		Metadata: chain.Metadata{
			Name:        appName,
			Description: "Project crowdfunding with on-chain investment receipts",
			URL:         cfg.Service.AppURL,
		},
		Networks:       cfg.Networks(),
		Connectors:     conns,
		RequestTimeout: cfg.Chain.RPCTimeout,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	defer client.Close()
	client.SubscribeState(metrics.ObserveConnection)

	registry, err := contracts.NewRegistry(cfg.Contracts.EscrowAddress, cfg.Contracts.InvestmentNFTAddress)
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	if escrowFallback, nftFallback := cfg.UsesFallbackAddresses(); escrowFallback || nftFallback {
		log.Warn("using fallback contract addresses",
			zap.Bool("escrow", escrowFallback),
			zap.Bool("investment_nft", nftFallback),
			zap.String("escrow_address", registry.Escrow.Address.Hex()),
			zap.String("nft_address", registry.InvestmentNFT.Address.Hex()),
		)
	}

	cache := query.NewCache[*big.Int](
		query.WithTimeout(cfg.Chain.RPCTimeout),
		query.WithGCTime(cfg.Service.QueryGCTime),
		query.WithLogger(log),
		query.WithObserver(metrics.ObserveFetch),
	)

	escrowClient := escrow.NewEthClient(client, registry.Escrow, log)
	receiptClient := receipts.NewEthClient(client, registry.InvestmentNFT, log)

	gate, err := health.NewGate(health.Config{
		Source:  client,
		Timeout: cfg.Chain.RPCTimeout,
		Logger:  log,
		OnProbe: metrics.ObserveProbe,
	})
	if err != nil {
		return fmt.Errorf("health gate: %w", err)
	}
	defer gate.Close()
	gate.Subscribe(metrics.SetGate)

	watcher, err := events.NewWatcher(events.Config{
		Gate:     gate,
		Contract: registry.InvestmentNFT,
		Invalidate: func(account common.Address) {
			cache.InvalidateWhere(position.MatchAccount(account))
		},
		OnTransfer: func(events.Transfer) { metrics.IncTransfer() },
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("receipt watcher: %w", err)
	}
	defer watcher.Close()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	api, err := server.NewServer(cfg, server.Deps{
		Wallet:      client,
		Picker:      client.Picker(),
		Gate:        gate,
		Cache:       cache,
		Projects:    st.projects,
		Escrow:      escrowClient,
		Receipts:    receiptClient,
		Minter:      receiptClient,
		Store:       st.journal,
		NFTContract: registry.InvestmentNFT.Address,
		RPCPing:     escrowClient.Ping,
		DBPing:      st.ping,
		Metrics:     metrics,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return api.Shutdown(shutdownCtx)
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	networks := cfg.Networks()
	if len(networks) == 0 {
		return errors.New("no networks configured")
	}
	network := networks[0]

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Chain.RPCTimeout)
	defer cancel()
	backend, err := chain.DialEthereum(ctx, network)
	if err != nil {
		return fmt.Errorf("dial %s: %w", network.Name, err)
	}
	defer backend.Close()

	start := time.Now()
	block, err := health.Probe(ctx, backend)
	if err != nil {
		return fmt.Errorf("probe %s: %w", network.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (chain %d): block %d in %s\n",
		network.Name, network.ChainID, block, time.Since(start).Round(time.Millisecond))
	return nil
}
