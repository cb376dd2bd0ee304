// Package config loads service configuration from the environment with an
// optional deployments.json overlay for contract addresses.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"pledgechain/internal/chain"
	"pledgechain/internal/contracts"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   uint64 `json:"chainId"`
	Contracts struct {
		Escrow        string `json:"Escrow"`
		InvestmentNFT string `json:"InvestmentNFT"`
	} `json:"contracts"`
}

// AppConfig is everything the service needs to start.
type AppConfig struct {
	Service   ServiceConfig
	Chain     ChainConfig
	Contracts ContractsConfig
	// Deployment is nil when no usable deployments file was found.
	Deployment *DeploymentConfig
	// Warnings lists configuration problems that were replaced by defaults.
	Warnings []string
}

type ServiceConfig struct {
	HTTPPort          int           `env:"API_HTTP_PORT" envDefault:"8080"`
	AppURL            string        `env:"APP_URL" envDefault:"http://localhost:3000"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	OperatorSecret    string        `env:"OPERATOR_HMAC_SECRET"`
	HMACClockSkew     time.Duration `env:"HMAC_CLOCK_SKEW" envDefault:"60s"`
	IdempotencyWindow time.Duration `env:"IDEMPOTENCY_WINDOW" envDefault:"24h"`
	QueryStaleTime    time.Duration `env:"QUERY_STALE_TIME" envDefault:"30s"`
	QueryGCTime       time.Duration `env:"QUERY_GC_TIME" envDefault:"5m"`
	LogDev            bool          `env:"LOG_DEV" envDefault:"false"`
	DeploymentsPath   string        `env:"DEPLOYMENTS_PATH" envDefault:"deployments.json"`
}

type ChainConfig struct {
	// WalletConnectProjectID enables the remote-signer connector.
	WalletConnectProjectID string        `env:"WALLETCONNECT_PROJECT_ID"`
	NetworkARPCURL         string        `env:"NETWORK_A_RPC_URL"`
	NetworkBRPCURL         string        `env:"NETWORK_B_RPC_URL"`
	PrivateKey             string        `env:"WALLET_PRIVATE_KEY"`
	KeystoreDir            string        `env:"KEYSTORE_DIR"`
	KeystorePassphrase     string        `env:"KEYSTORE_PASSPHRASE"`
	RemoteSignerURL        string        `env:"REMOTE_SIGNER_URL"`
	RPCTimeout             time.Duration `env:"RPC_TIMEOUT" envDefault:"15s"`
}

// ContractsConfig holds the raw configured addresses. Empty or malformed
// values fall back in contracts.ResolveAddress.
type ContractsConfig struct {
	EscrowAddress        string `env:"ESCROW_CONTRACT_ADDRESS"`
	InvestmentNFTAddress string `env:"INVESTMENT_NFT_CONTRACT_ADDRESS"`
}

// Load aggregates configuration from the process environment and disk.
func Load() (*AppConfig, error) {
	return load(env.Options{})
}

// LoadFrom is Load with an explicit environment, for tests.
func LoadFrom(environ map[string]string) (*AppConfig, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*AppConfig, error) {
	var cfg AppConfig
	for _, target := range []any{&cfg.Service, &cfg.Chain, &cfg.Contracts} {
		if err := env.ParseWithOptions(target, opts); err != nil {
			return nil, fmt.Errorf("parse env: %w", err)
		}
	}

	// An unreadable deployments file leaves the contract addresses to their
	// fallbacks instead of failing startup.
	deployment, err := loadDeployments(cfg.Service.DeploymentsPath)
	if err != nil {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring deployments file %s: %v", cfg.Service.DeploymentsPath, err))
		deployment = nil
	}
	cfg.Deployment = deployment
	if deployment != nil {
		if cfg.Contracts.EscrowAddress == "" {
			cfg.Contracts.EscrowAddress = deployment.Contracts.Escrow
		}
		if cfg.Contracts.InvestmentNFTAddress == "" {
			cfg.Contracts.InvestmentNFTAddress = deployment.Contracts.InvestmentNFT
		}
	}
	return &cfg, nil
}

// Networks returns the supported networks with configured RPC overrides.
func (c *AppConfig) Networks() []chain.Network {
	networks := chain.DefaultNetworks()
	if c.Chain.NetworkARPCURL != "" {
		networks[0].RPCURL = c.Chain.NetworkARPCURL
	}
	if c.Chain.NetworkBRPCURL != "" {
		networks[1].RPCURL = c.Chain.NetworkBRPCURL
	}
	return networks
}

// UsesFallbackAddresses reports which contracts resolve to their fallback.
func (c *AppConfig) UsesFallbackAddresses() (escrow, nft bool) {
	return !contracts.IsConfigured(c.Contracts.EscrowAddress), !contracts.IsConfigured(c.Contracts.InvestmentNFTAddress)
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
