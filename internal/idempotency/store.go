// Package idempotency journals write submissions by client-supplied key so a
// retried request replays the original transaction instead of sending twice.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrKeyConflict reports a key reused for a different operation or account.
var ErrKeyConflict = errors.New("idempotency key reused for a different request")

// Record holds a stored submission and the response it produced.
type Record struct {
	Operation  string         `json:"operation"`
	Account    common.Address `json:"account"`
	TxHash     common.Hash    `json:"txHash"`
	StatusCode int            `json:"statusCode"`
	Response   []byte         `json:"response"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// Matches reports whether a retry for operation by account may replay r.
func (r *Record) Matches(operation string, account common.Address) bool {
	return r.Operation == operation && r.Account == account
}

// Store abstracts idempotency persistence. Get returns nil, nil for a
// missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Lookup fetches the record for key and checks it belongs to the same
// operation and account. A nil record means the request is new.
func Lookup(ctx context.Context, s Store, key, operation string, account common.Address) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.Matches(operation, account) {
		return nil, ErrKeyConflict
	}
	return rec, nil
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}
