package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyConnector is the injected connector: the host supplies a raw private key.
type KeyConnector struct {
	key *ecdsa.PrivateKey
}

// NewKeyConnector parses hexKey. An empty key yields an unavailable connector.
func NewKeyConnector(hexKey string) (*KeyConnector, error) {
	if strings.TrimSpace(hexKey) == "" {
		return &KeyConnector{}, nil
	}
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &KeyConnector{key: key}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *KeyConnector) Kind() ConnectorKind { return KindInjected }

func (c *KeyConnector) Available() bool { return c.key != nil }

func (c *KeyConnector) Connect(ctx context.Context, chainID uint64) (Session, error) {
	if c.key == nil {
		return Session{}, ErrNoProvider
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	key := c.key
	return Session{
		Account: crypto.PubkeyToAddress(key.PublicKey),
		ChainID: chainID,
		Sign: func(chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
			signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
			return types.SignTx(tx, signer, key)
		},
	}, nil
}

func (c *KeyConnector) Disconnect() error { return nil }

func (c *KeyConnector) Events() <-chan WalletEvent { return nil }
