// Package projects is the off-chain project listing consumed by the chain
// features: its project IDs select the on-chain receipt balance to read.
package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrNotFound      = errors.New("project not found")
	ErrInvalidFilter = errors.New("invalid project filter")
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusFunded  Status = "funded"
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusFunded, StatusExpired:
		return true
	}
	return false
}

type Sort string

const (
	SortNewest     Sort = "newest"
	SortDeadline   Sort = "deadline"
	SortMostFunded Sort = "funded"
)

func (s Sort) Valid() bool {
	switch s {
	case SortNewest, SortDeadline, SortMostFunded:
		return true
	}
	return false
}

// Project is one listing. ID doubles as the on-chain project key; amounts are
// in the funding token's base units.
type Project struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Owner        common.Address  `json:"owner"`
	Status       Status          `json:"status"`
	TargetAmount decimal.Decimal `json:"targetAmount"`
	RaisedAmount decimal.Decimal `json:"raisedAmount"`
	Token        common.Address  `json:"token"`
	Deadline     time.Time       `json:"deadline"`
	ImageURL     string          `json:"imageUrl,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Filter is the set of listing parameters. Zero fields do not filter.
type Filter struct {
	Status   Status
	Category string
	Owner    *common.Address
	// Search matches title or description, case-insensitively.
	Search string
	Limit  int
	Offset int
	Sort   Sort
}

// Normalize applies defaults and rejects unknown values.
func (f Filter) Normalize() (Filter, error) {
	f.Category = strings.TrimSpace(f.Category)
	f.Search = strings.TrimSpace(f.Search)
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: status %q", ErrInvalidFilter, f.Status)
	}
	if f.Sort == "" {
		f.Sort = SortNewest
	}
	if !f.Sort.Valid() {
		return f, fmt.Errorf("%w: sort %q", ErrInvalidFilter, f.Sort)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return f, fmt.Errorf("%w: negative limit or offset", ErrInvalidFilter)
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f, nil
}

// Service is the listing boundary.
type Service interface {
	GetProjects(ctx context.Context, f Filter) ([]Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	GetMyProjects(ctx context.Context, owner common.Address) ([]Project, error)
}

// Store is a Service that can also record projects.
type Store interface {
	Service
	Save(ctx context.Context, p Project) error
}

func validate(p Project) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("project title required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("project status %q", p.Status)
	}
	return nil
}
