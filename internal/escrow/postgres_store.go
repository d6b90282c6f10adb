package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/mbd888/tradevault/internal/custody"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	contract, tokenID := collateralColumns(r.Collateral)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			invoice_id, seller, buyer, asset, collateral_contract, collateral_token_id,
			face_amount, fee_amount, discount_rate_bps, discount_deadline, expiry,
			funded, funded_at, buyer_confirmed, seller_confirmed,
			dispute_raised, dispute_raised_by, snapshot_count, required_votes,
			votes_for_seller, votes_for_buyer, voted_arbitrators,
			settlement, seller_won, settled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC,
			$7::NUMERIC, $8::NUMERIC, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22,
			$23, $24, $25, $26, $27
		)`,
		r.InvoiceID.Hex(), r.Seller.Hex(), r.Buyer.Hex(), r.Asset.Hex(), contract, tokenID,
		r.FaceAmount.String(), r.FeeAmount.String(), int64(r.DiscountRateBps), nullTime(r.DiscountDeadline), r.Expiry,
		r.Funded, nullTime(r.FundedAt), r.BuyerConfirmed, r.SellerConfirmed,
		r.DisputeRaised, nullAddress(r.DisputeRaisedBy), r.Quorum.Count, r.Quorum.RequiredVotes,
		r.VotesForSeller, r.VotesForBuyer, pq.Array(hexes(r.VotedArbitrators)),
		string(r.Settlement), nullBool(r.SellerWon), nullTime(r.SettledAt), r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `invoice_id, seller, buyer, asset, collateral_contract, collateral_token_id::TEXT,
		       face_amount::TEXT, fee_amount::TEXT, discount_rate_bps, discount_deadline, expiry,
		       funded, funded_at, buyer_confirmed, seller_confirmed,
		       dispute_raised, dispute_raised_by, snapshot_count, required_votes,
		       votes_for_seller, votes_for_buyer, voted_arbitrators,
		       settlement, seller_won, settled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, invoiceID common.Hash) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE invoice_id = $1`, invoiceID.Hex())

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return r, err
}

// Update writes the mutable columns. Parties, asset, collateral and expiry
// are fixed at creation.
func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			face_amount = $1::NUMERIC, fee_amount = $2::NUMERIC,
			funded = $3, funded_at = $4, buyer_confirmed = $5, seller_confirmed = $6,
			dispute_raised = $7, dispute_raised_by = $8, snapshot_count = $9, required_votes = $10,
			votes_for_seller = $11, votes_for_buyer = $12, voted_arbitrators = $13,
			settlement = $14, seller_won = $15, settled_at = $16, updated_at = $17
		WHERE invoice_id = $18`,
		r.FaceAmount.String(), r.FeeAmount.String(),
		r.Funded, nullTime(r.FundedAt), r.BuyerConfirmed, r.SellerConfirmed,
		r.DisputeRaised, nullAddress(r.DisputeRaisedBy), r.Quorum.Count, r.Quorum.RequiredVotes,
		r.VotesForSeller, r.VotesForBuyer, pq.Array(hexes(r.VotedArbitrators)),
		string(r.Settlement), nullBool(r.SellerWon), nullTime(r.SettledAt), r.UpdatedAt,
		r.InvoiceID.Hex(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer = $1 OR seller = $1
		ORDER BY created_at DESC
		LIMIT $2`, party.Hex(), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListExpiredUnfunded(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE NOT funded
		  AND settlement = ''
		  AND expiry < $1
		ORDER BY expiry ASC
		LIMIT $2`, before, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE settlement = ''
		ORDER BY created_at ASC
		LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// sqlLimit maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func sqlLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		invoiceID, seller, buyer, asset string
		collateralContract              sql.NullString
		collateralTokenID               sql.NullString
		faceAmount, feeAmount           string
		discountBps                     int64
		discountDeadline                sql.NullTime
		fundedAt                        sql.NullTime
		raisedBy                        sql.NullString
		voted                           []string
		settlement                      string
		sellerWon                       sql.NullBool
		settledAt                       sql.NullTime
	)

	err := s.Scan(
		&invoiceID, &seller, &buyer, &asset, &collateralContract, &collateralTokenID,
		&faceAmount, &feeAmount, &discountBps, &discountDeadline, &r.Expiry,
		&r.Funded, &fundedAt, &r.BuyerConfirmed, &r.SellerConfirmed,
		&r.DisputeRaised, &raisedBy, &r.Quorum.Count, &r.Quorum.RequiredVotes,
		&r.VotesForSeller, &r.VotesForBuyer, pq.Array(&voted),
		&settlement, &sellerWon, &settledAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.InvoiceID = common.HexToHash(invoiceID)
	r.Seller = common.HexToAddress(seller)
	r.Buyer = common.HexToAddress(buyer)
	r.Asset = common.HexToAddress(asset)
	if r.FaceAmount, err = parseNumeric(faceAmount); err != nil {
		return nil, err
	}
	if r.FeeAmount, err = parseNumeric(feeAmount); err != nil {
		return nil, err
	}
	if collateralContract.Valid {
		tokenID, err := parseNumeric(collateralTokenID.String)
		if err != nil {
			return nil, err
		}
		r.Collateral = &custody.CollateralRef{Contract: common.HexToAddress(collateralContract.String), TokenID: tokenID}
	}
	r.DiscountRateBps = uint64(discountBps)
	r.DiscountDeadline = timePtr(discountDeadline)
	r.FundedAt = timePtr(fundedAt)
	if raisedBy.Valid {
		r.DisputeRaisedBy = common.HexToAddress(raisedBy.String)
	}
	for _, v := range voted {
		r.VotedArbitrators = append(r.VotedArbitrators, common.HexToAddress(v))
	}
	r.Settlement = Settlement(settlement)
	if sellerWon.Valid {
		w := sellerWon.Bool
		r.SellerWon = &w
	}
	r.SettledAt = timePtr(settledAt)
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func collateralColumns(c *custody.CollateralRef) (sql.NullString, sql.NullString) {
	if c == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: c.Contract.Hex(), Valid: true},
		sql.NullString{String: c.TokenID.String(), Valid: true}
}

func hexes(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func nullAddress(a common.Address) sql.NullString {
	if a == (common.Address{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
