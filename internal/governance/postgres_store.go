package governance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/mbd888/tradevault/internal/arbitration"
)

// PostgresStore persists proposals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed proposal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const proposalColumns = `id, action, targets, proposer, approvals, status, execution_seq, created_at, executed_at`

func (p *PostgresStore) Create(ctx context.Context, prop *Proposal) error {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO governance_proposals (action, targets, proposer, approvals, status, execution_seq, created_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(prop.Action), pq.Array(hexes(prop.Targets)), prop.Proposer.Hex(),
		pq.Array(hexes(prop.Approvals)), string(prop.Status), int64(prop.ExecutionSeq),
		prop.CreatedAt, nullTime(prop.ExecutedAt),
	).Scan(&id)
	if err != nil {
		return err
	}
	prop.ID = uint64(id)
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM governance_proposals WHERE id = $1`, int64(id))
	prop, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	return prop, err
}

func (p *PostgresStore) Update(ctx context.Context, prop *Proposal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE governance_proposals SET
			approvals = $1, status = $2, execution_seq = $3, executed_at = $4
		WHERE id = $5`,
		pq.Array(hexes(prop.Approvals)), string(prop.Status), int64(prop.ExecutionSeq),
		nullTime(prop.ExecutedAt), int64(prop.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM governance_proposals
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanProposals(rows)
}

func (p *PostgresStore) ListExecuted(ctx context.Context) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM governance_proposals
		WHERE status = 'executed'
		ORDER BY execution_seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanProposals(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row scanner) (*Proposal, error) {
	var (
		prop       Proposal
		id, seq    int64
		action     string
		status     string
		proposer   string
		targets    []string
		approvals  []string
		executedAt sql.NullTime
	)
	err := row.Scan(&id, &action, pq.Array(&targets), &proposer, pq.Array(&approvals),
		&status, &seq, &prop.CreatedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	prop.ID = uint64(id)
	prop.Action = arbitration.Action(action)
	prop.Targets = addresses(targets)
	prop.Proposer = common.HexToAddress(proposer)
	prop.Approvals = addresses(approvals)
	prop.Status = Status(status)
	prop.ExecutionSeq = uint64(seq)
	if executedAt.Valid {
		t := executedAt.Time
		prop.ExecutedAt = &t
	}
	return &prop, nil
}

func scanProposals(rows *sql.Rows) ([]*Proposal, error) {
	var out []*Proposal
	for rows.Next() {
		prop, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prop)
	}
	return out, rows.Err()
}

func hexes(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func addresses(hs []string) []common.Address {
	out := make([]common.Address, len(hs))
	for i, h := range hs {
		out[i] = common.HexToAddress(h)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
