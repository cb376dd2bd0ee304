package projects

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is mostly for testing and local runs without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Project
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(seed ...Project) *MemoryStore {
	m := &MemoryStore{data: make(map[string]Project)}
	for _, p := range seed {
		m.data[p.ID] = p
	}
	return m
}

func (m *MemoryStore) Save(_ context.Context, p Project) error {
	if err := validate(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[p.ID] = p
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.data[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetMyProjects(ctx context.Context, owner common.Address) ([]Project, error) {
	return m.GetProjects(ctx, Filter{Owner: &owner, Limit: MaxLimit})
}

func (m *MemoryStore) GetProjects(_ context.Context, f Filter) ([]Project, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	search := strings.ToLower(f.Search)

	m.mu.RLock()
	var out []Project
	for _, p := range m.data {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Owner != nil && p.Owner != *f.Owner {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Title), search) &&
			!strings.Contains(strings.ToLower(p.Description), search) {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(f.Sort, out[i], out[j]) })

	if f.Offset >= len(out) {
		return []Project{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func less(s Sort, a, b Project) bool {
	switch s {
	case SortDeadline:
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
	case SortMostFunded:
		if c := a.RaisedAmount.Cmp(b.RaisedAmount); c != 0 {
			return c > 0
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}
