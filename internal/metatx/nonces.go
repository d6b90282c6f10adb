package metatx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/faults"
)

// ErrNonceConflict means the stored nonce moved underneath a relay call.
var ErrNonceConflict = faults.New(faults.KindState, "metatx: nonce changed concurrently")

// NonceStore persists the next expected nonce per principal. Advance and
// Rewind are compare-and-set so a stale writer cannot move a nonce twice.
type NonceStore interface {
	Get(ctx context.Context, principal common.Address) (uint64, error)
	// Advance moves principal's nonce from current to current+1.
	Advance(ctx context.Context, principal common.Address, current uint64) error
	// Rewind moves principal's nonce from current+1 back to current.
	Rewind(ctx context.Context, principal common.Address, current uint64) error
}

// MemoryNonceStore keeps nonces in memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

// NewMemoryNonceStore creates an empty nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[common.Address]uint64)}
}

func (m *MemoryNonceStore) Get(_ context.Context, principal common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[principal], nil
}

func (m *MemoryNonceStore) Advance(_ context.Context, principal common.Address, current uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonces[principal] != current {
		return fmt.Errorf("%w: %s expected %d, have %d", ErrNonceConflict, principal.Hex(), current, m.nonces[principal])
	}
	m.nonces[principal] = current + 1
	return nil
}

func (m *MemoryNonceStore) Rewind(_ context.Context, principal common.Address, current uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonces[principal] != current+1 {
		return fmt.Errorf("%w: %s expected %d, have %d", ErrNonceConflict, principal.Hex(), current+1, m.nonces[principal])
	}
	m.nonces[principal] = current
	return nil
}

// PostgresNonceStore keeps nonces in the relay_nonces table.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore creates a PostgreSQL-backed nonce store.
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

func (p *PostgresNonceStore) Get(ctx context.Context, principal common.Address) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT nonce FROM relay_nonces WHERE principal = $1`, principal.Hex()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (p *PostgresNonceStore) Advance(ctx context.Context, principal common.Address, current uint64) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO relay_nonces (principal, nonce, updated_at)
		VALUES ($1, $2::BIGINT + 1, NOW())
		ON CONFLICT (principal) DO UPDATE
		SET nonce = EXCLUDED.nonce, updated_at = NOW()
		WHERE relay_nonces.nonce = $2::BIGINT`,
		principal.Hex(), int64(current),
	)
	return checkCAS(result, err, principal, current)
}

func (p *PostgresNonceStore) Rewind(ctx context.Context, principal common.Address, current uint64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE relay_nonces SET nonce = $2, updated_at = NOW()
		WHERE principal = $1 AND nonce = $2::BIGINT + 1`,
		principal.Hex(), int64(current),
	)
	return checkCAS(result, err, principal, current)
}

func checkCAS(result sql.Result, err error, principal common.Address, current uint64) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s at %d", ErrNonceConflict, principal.Hex(), current)
	}
	return nil
}
