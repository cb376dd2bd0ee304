package escrow

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgechain/internal/chain"
	"pledgechain/internal/contracts"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     string
		wantErr  bool
	}{
		{"0.25", 18, "250000000000000000", false},
		{"1", 18, "1000000000000000000", false},
		{"12.5", 6, "12500000", false},
		{"1e-18", 18, "1", false},
		{"1e-19", 18, "", true},
		{"1.5", 0, "", true},
		{"0", 18, "", true},
		{"-3", 18, "", true},
		{"ten", 18, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAmount(tc.in, tc.decimals)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestFormatAmount(t *testing.T) {
	wei, ok := new(big.Int).SetString("250000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "0.25", FormatAmount(wei, NativeDecimals))
	assert.Equal(t, "3", FormatAmount(big.NewInt(3_000_000), 6))
	assert.Equal(t, "0", FormatAmount(nil, 18))
}

func TestFakeClientValidates(t *testing.T) {
	f := &FakeClient{ChainID: 80002}
	ctx := context.Background()

	_, err := f.Deposit(ctx, DepositRequest{ProjectID: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.CreateProject(ctx, CreateProjectRequest{
		Title:        "Solar co-op",
		TargetAmount: big.NewInt(10),
		Deadline:     time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	first, err := f.Deposit(ctx, DepositRequest{ProjectID: big.NewInt(1), Amount: big.NewInt(5)})
	require.NoError(t, err)
	again, err := f.Deposit(ctx, DepositRequest{ProjectID: big.NewInt(1), Amount: big.NewInt(5)})
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, again.TxHash)
	assert.Equal(t, uint64(80002), first.ChainID)
	assert.Len(t, f.Deposits(), 2)
}

type txBackend struct {
	bind.ContractBackend

	mu   sync.Mutex
	sent []*types.Transaction
}

func (b *txBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (b *txBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *txBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *txBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (b *txBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (b *txBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *txBackend) BlockNumber(context.Context) (uint64, error) { return 42, nil }

func (b *txBackend) Close() {}

type keySource struct {
	backend *txBackend
	key     *ecdsa.PrivateKey
}

func (s *keySource) State() chain.ConnectionState {
	account := crypto.PubkeyToAddress(s.key.PublicKey)
	return chain.ConnectionState{Status: chain.StatusConnected, Account: &account, ChainID: 80002}
}

func (s *keySource) EnsureBackend(context.Context) (chain.Backend, error) { return s.backend, nil }

func (s *keySource) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, big.NewInt(80002))
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (s *keySource) RequestTimeout() time.Duration { return time.Second }

func newEthClient(t *testing.T) (*EthClient, *txBackend, contracts.Descriptor) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	reg, err := contracts.NewRegistry("", "")
	require.NoError(t, err)
	backend := &txBackend{}
	return NewEthClient(&keySource{backend: backend, key: key}, reg.Escrow, nil), backend, reg.Escrow
}

func TestNativeDepositAttachesValue(t *testing.T) {
	client, backend, desc := newEthClient(t)
	amount, err := ParseAmount("0.5", NativeDecimals)
	require.NoError(t, err)

	sub, err := client.Deposit(context.Background(), DepositRequest{ProjectID: big.NewInt(42), Amount: amount, Native: true})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, sub.TxHash, tx.Hash())
	assert.Equal(t, amount, tx.Value())
	assert.Equal(t, desc.Address, *tx.To())

	method, err := desc.ABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, contracts.MethodDeposit, method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), args[0])
	assert.Equal(t, amount, args[1])
}

func TestTokenDepositSendsNoValue(t *testing.T) {
	client, backend, _ := newEthClient(t)
	_, err := client.Deposit(context.Background(), DepositRequest{ProjectID: big.NewInt(1), Amount: big.NewInt(100)})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Zero(t, backend.sent[0].Value().Sign())
}

func TestCreateProjectEncodesDeadline(t *testing.T) {
	client, backend, desc := newEthClient(t)
	deadline := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	token := common.HexToAddress("0x000000000000000000000000000000000000dead")

	_, err := client.CreateProject(context.Background(), CreateProjectRequest{
		Title:        "Community garden",
		Description:  "Raised beds for the east lot",
		TargetAmount: big.NewInt(1_000_000),
		Deadline:     deadline,
		Token:        token,
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	method := desc.ABI.Methods[contracts.MethodCreateProject]
	args, err := method.Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "Community garden", args[0])
	assert.Equal(t, big.NewInt(deadline.Unix()), args[3])
	assert.Equal(t, token, args[4])
}

func TestPing(t *testing.T) {
	client, _, _ := newEthClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}
