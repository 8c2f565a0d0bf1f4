package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"optionsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Numerics travel as text so no precision is lost in either direction.
const selectColumns = `id, chain_id, option_type, strike_price::text, premium_price::text, asset,
	asset_amount::text, seller_address, buyer_address, expiry, collateral_transferred, status,
	settlement, tx_hash, failure_reason, created_at, updated_at`

// Store provides Postgres persistence for the option mirror.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables and indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InsertProvisional stores a record without a chain id.
func (s *Store) InsertProvisional(ctx context.Context, o model.Option) (model.Option, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO options (
			option_type, strike_price, premium_price, asset, asset_amount,
			seller_address, buyer_address, expiry, collateral_transferred, status
		) VALUES ($1, $2::numeric, $3::numeric, $4, $5::numeric, $6, $7, $8, $9, 'provisional')
		RETURNING `+selectColumns,
		int16(o.OptionType),
		o.StrikePrice.String(),
		o.PremiumPrice.String(),
		o.Asset,
		o.AssetAmount.String(),
		o.SellerAddress,
		nullString(o.BuyerAddress),
		o.Expiry.UTC(),
		o.CollateralTransferred,
	)
	out, err := scanOption(row)
	if err != nil {
		return model.Option{}, fmt.Errorf("insert option: %w", err)
	}
	return out, nil
}

// InsertConfirmed stores a record first seen on chain. It reports false when
// a record with the same chain id already exists and returns that record.
func (s *Store) InsertConfirmed(ctx context.Context, o model.Option) (model.Option, bool, error) {
	if o.ChainID == nil {
		return model.Option{}, false, fmt.Errorf("confirmed record needs a chain id")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO options (
			chain_id, option_type, strike_price, premium_price, asset, asset_amount,
			seller_address, buyer_address, expiry, collateral_transferred, status, tx_hash
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::numeric, $7, $8, $9, $10, 'confirmed', $11)
		ON CONFLICT (chain_id) DO NOTHING
		RETURNING `+selectColumns,
		int64(*o.ChainID),
		int16(o.OptionType),
		o.StrikePrice.String(),
		o.PremiumPrice.String(),
		o.Asset,
		o.AssetAmount.String(),
		o.SellerAddress,
		nullString(o.BuyerAddress),
		o.Expiry.UTC(),
		o.CollateralTransferred,
		o.TxHash,
	)
	out, err := scanOption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetByChainID(ctx, *o.ChainID)
		return existing, false, err
	}
	if err != nil {
		return model.Option{}, false, fmt.Errorf("insert confirmed option: %w", err)
	}
	return out, true, nil
}

// AttachSubmission records the creation transaction hash on a provisional row.
func (s *Store) AttachSubmission(ctx context.Context, id int64, txHash string) error {
	return s.updateProvisional(ctx, id, `
		UPDATE options SET tx_hash=$2, updated_at=now()
		WHERE id=$1 AND chain_id IS NULL AND status='provisional'`, id, txHash)
}

// MarkProvisionalFailed flags a provisional row whose chain call failed.
func (s *Store) MarkProvisionalFailed(ctx context.Context, id int64, reason string) error {
	return s.updateProvisional(ctx, id, `
		UPDATE options SET status='failed', failure_reason=$2, updated_at=now()
		WHERE id=$1 AND chain_id IS NULL AND status='provisional'`, id, reason)
}

func (s *Store) updateProvisional(ctx context.Context, id int64, query string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	o, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !o.Provisional() {
		return model.ErrConfirmedRecord
	}
	return model.ErrNotProvisional
}

// PatchProvisional applies a partial update to a provisional row.
func (s *Store) PatchProvisional(ctx context.Context, id int64, p model.Patch) (model.Option, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return model.Option{}, err
	}
	next, err := model.ApplyPatch(current, p)
	if err != nil {
		return model.Option{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE options SET buyer_address=$2, collateral_transferred=$3, updated_at=now()
		WHERE id=$1 AND chain_id IS NULL AND status='provisional'
			AND buyer_address IS NOT DISTINCT FROM $4 AND collateral_transferred=$5
		RETURNING `+selectColumns,
		id, nullString(next.BuyerAddress), next.CollateralTransferred,
		nullString(current.BuyerAddress), current.CollateralTransferred,
	)
	out, err := scanOption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Option{}, model.ErrConflict
	}
	return out, err
}

// DeleteProvisional removes a row that has no chain id. Deleting a missing
// row reports false without error.
func (s *Store) DeleteProvisional(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM options WHERE id=$1 AND chain_id IS NULL`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return false, model.ErrConfirmedRecord
}

func (s *Store) GetByID(ctx context.Context, id int64) (model.Option, error) {
	return s.queryOne(ctx, `SELECT `+selectColumns+` FROM options WHERE id=$1`, id)
}

func (s *Store) GetByChainID(ctx context.Context, chainID uint64) (model.Option, error) {
	return s.queryOne(ctx, `SELECT `+selectColumns+` FROM options WHERE chain_id=$1`, int64(chainID))
}

// FindProvisionalMatch returns the newest provisional row with the given
// business fields.
func (s *Store) FindProvisionalMatch(ctx context.Context, key model.MatchKey) (model.Option, error) {
	return s.queryOne(ctx, `
		SELECT `+selectColumns+` FROM options
		WHERE chain_id IS NULL AND status='provisional'
			AND lower(seller_address)=lower($1) AND strike_price=$2::numeric AND premium_price=$3::numeric
			AND lower(asset)=lower($4) AND expiry=$5
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		key.SellerAddress, key.StrikePrice.String(), key.PremiumPrice.String(), key.Asset, key.Expiry.UTC(),
	)
}

// Promote attaches a chain id to a provisional row. It returns
// model.ErrConflict when the row is no longer provisional.
func (s *Store) Promote(ctx context.Context, id int64, p model.Promotion) (model.Option, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE options SET
			chain_id=$2, option_type=$3, asset_amount=$4::numeric,
			tx_hash=CASE WHEN $5='' THEN tx_hash ELSE $5 END,
			buyer_address=NULL, collateral_transferred=false,
			status='confirmed', failure_reason='', updated_at=now()
		WHERE id=$1 AND chain_id IS NULL AND status='provisional'
		RETURNING `+selectColumns,
		id, int64(p.ChainID), int16(p.OptionType), p.AssetAmount.String(), p.TxHash,
	)
	out, err := scanOption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Option{}, model.ErrConflict
	}
	if err != nil {
		return model.Option{}, fmt.Errorf("promote option: %w", err)
	}
	return out, nil
}

// SaveTransition writes a state machine step. It reports false when the row
// no longer matches prev.
func (s *Store) SaveTransition(ctx context.Context, prev, next model.Option) (bool, error) {
	if prev.ChainID == nil {
		return false, fmt.Errorf("transition needs a chain id")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE options SET status=$4, buyer_address=$5, collateral_transferred=$6, settlement=$7, updated_at=now()
		WHERE chain_id=$1 AND status=$2 AND settlement=$3`,
		int64(*prev.ChainID), string(prev.Status), prev.Settlement,
		string(next.Status), nullString(next.BuyerAddress), next.CollateralTransferred, next.Settlement,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByChainID removes a non-terminal confirmed row.
func (s *Store) DeleteByChainID(ctx context.Context, chainID uint64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM options WHERE chain_id=$1 AND status NOT IN ('settled', 'failed')`, int64(chainID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SettleExpired settles collateral-backed options whose expiry has passed.
func (s *Store) SettleExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE options SET status='settled', settlement='expired', updated_at=now()
		WHERE status='collateral_held' AND expiry <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// List returns rows matching f, newest first.
func (s *Store) List(ctx context.Context, f model.ListFilter) ([]model.Option, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Seller != nil {
		args = append(args, *f.Seller)
		where = append(where, fmt.Sprintf(`lower(seller_address)=lower($%d)`, len(args)))
	}
	switch {
	case f.Unsold:
		where = append(where, `buyer_address IS NULL`)
	case f.Buyer != nil:
		args = append(args, *f.Buyer)
		where = append(where, fmt.Sprintf(`lower(buyer_address)=lower($%d)`, len(args)))
	}
	if !f.IncludeProvisional {
		where = append(where, `chain_id IS NOT NULL`)
	}

	query := `SELECT ` + selectColumns + ` FROM options`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Option, 0)
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadState returns last_processed_block for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM indexer_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveState upserts last_processed_block for a name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}

func (s *Store) queryOne(ctx context.Context, query string, args ...interface{}) (model.Option, error) {
	o, err := scanOption(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Option{}, model.ErrNotFound
	}
	return o, err
}

func scanOption(row pgx.Row) (model.Option, error) {
	var (
		o                       model.Option
		chainID                 *int64
		optionType              int16
		strike, premium, amount string
		status                  string
	)
	if err := row.Scan(
		&o.ID, &chainID, &optionType, &strike, &premium, &o.Asset, &amount,
		&o.SellerAddress, &o.BuyerAddress, &o.Expiry, &o.CollateralTransferred, &status,
		&o.Settlement, &o.TxHash, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return model.Option{}, err
	}

	var err error
	if o.StrikePrice, err = decimal.NewFromString(strike); err != nil {
		return model.Option{}, fmt.Errorf("strike_price: %w", err)
	}
	if o.PremiumPrice, err = decimal.NewFromString(premium); err != nil {
		return model.Option{}, fmt.Errorf("premium_price: %w", err)
	}
	if o.AssetAmount, err = decimal.NewFromString(amount); err != nil {
		return model.Option{}, fmt.Errorf("asset_amount: %w", err)
	}
	if chainID != nil {
		id := uint64(*chainID)
		o.ChainID = &id
	}
	o.OptionType = model.OptionType(optionType)
	o.Status = model.Status(status)
	o.Expiry = o.Expiry.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func nullString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
