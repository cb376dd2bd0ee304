package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore reads listings from a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL,
    status TEXT NOT NULL,
    target_amount NUMERIC(78, 0) NOT NULL,
    raised_amount NUMERIC(78, 0) NOT NULL DEFAULT 0,
    token TEXT NOT NULL,
    deadline TIMESTAMPTZ NOT NULL,
    image_url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS projects_owner_idx ON projects (owner);
`

const selectColumns = `
SELECT id, title, description, category, owner, status,
       target_amount::text, raised_amount::text, token, deadline, image_url, created_at
FROM projects`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := p.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	proj, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	return proj, err
}

func (p *PostgresStore) GetMyProjects(ctx context.Context, owner common.Address) ([]Project, error) {
	return p.GetProjects(ctx, Filter{Owner: &owner, Limit: MaxLimit})
}

func (p *PostgresStore) GetProjects(ctx context.Context, f Filter) ([]Project, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	query, args := listQuery(f)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Project{}
	for rows.Next() {
		proj, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, proj)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Save(ctx context.Context, proj Project) error {
	if err := validate(proj); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO projects (id, title, description, category, owner, status,
                      target_amount, raised_amount, token, deadline, image_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title,
    description = EXCLUDED.description,
    category = EXCLUDED.category,
    status = EXCLUDED.status,
    target_amount = EXCLUDED.target_amount,
    raised_amount = EXCLUDED.raised_amount,
    deadline = EXCLUDED.deadline,
    image_url = EXCLUDED.image_url
`, proj.ID, proj.Title, proj.Description, proj.Category, addressKey(proj.Owner), string(proj.Status),
		proj.TargetAmount.String(), proj.RaisedAmount.String(), addressKey(proj.Token),
		proj.Deadline, proj.ImageURL, proj.CreatedAt)
	return err
}

// listQuery builds the parameterised listing query for a normalized filter.
func listQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Owner != nil {
		add("owner = $%d", addressKey(*f.Owner))
	}
	if f.Search != "" {
		add("(title ILIKE $%[1]d OR description ILIKE $%[1]d)", "%"+escapeLike(f.Search)+"%")
	}

	var b strings.Builder
	b.WriteString(selectColumns)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy(f.Sort))
	args = append(args, f.Limit, f.Offset)
	fmt.Fprintf(&b, " LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func orderBy(s Sort) string {
	switch s {
	case SortDeadline:
		return "deadline ASC, id ASC"
	case SortMostFunded:
		return "raised_amount DESC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// addressKey is the stored form of an address: lowercase hex.
func addressKey(a common.Address) string { return strings.ToLower(a.Hex()) }

func scanProject(row pgx.Row) (Project, error) {
	var (
		p                    Project
		owner, token, status string
		target, raised       string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Category, &owner, &status,
		&target, &raised, &token, &p.Deadline, &p.ImageURL, &p.CreatedAt); err != nil {
		return Project{}, err
	}
	var err error
	if p.TargetAmount, err = decimal.NewFromString(target); err != nil {
		return Project{}, fmt.Errorf("project %s target: %w", p.ID, err)
	}
	if p.RaisedAmount, err = decimal.NewFromString(raised); err != nil {
		return Project{}, fmt.Errorf("project %s raised: %w", p.ID, err)
	}
	p.Owner = common.HexToAddress(owner)
	p.Token = common.HexToAddress(token)
	p.Status = Status(status)
	return p, nil
}
