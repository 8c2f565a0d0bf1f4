// Package sqlite is an embedded mirror store for development and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"optionsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const insertColumns = `chain_id, option_type, strike_price, premium_price, asset, asset_amount,
	seller_address, buyer_address, expiry, collateral_transferred, status, settlement,
	tx_hash, failure_reason, created_at, updated_at`

const selectColumns = `id, chain_id, option_type, strike_price, premium_price, asset, asset_amount,
	seller_address, buyer_address, expiry, collateral_transferred, status, settlement,
	tx_hash, failure_reason, created_at, updated_at`

// Store keeps the mirror in a SQLite file.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection serializes reads and writes in this process
	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertProvisional stores a record without a chain id.
func (s *Store) InsertProvisional(ctx context.Context, o model.Option) (model.Option, error) {
	o.ChainID = nil
	o.Status = model.StatusProvisional
	return s.insert(ctx, o)
}

// InsertConfirmed stores a record first seen on chain. It reports false when
// a record with the same chain id already exists and returns that record.
func (s *Store) InsertConfirmed(ctx context.Context, o model.Option) (model.Option, bool, error) {
	if o.ChainID == nil {
		return model.Option{}, false, fmt.Errorf("confirmed record needs a chain id")
	}
	existing, err := s.GetByChainID(ctx, *o.ChainID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Option{}, false, err
	}
	o.Status = model.StatusConfirmed
	inserted, err := s.insert(ctx, o)
	if err != nil {
		return model.Option{}, false, err
	}
	return inserted, true, nil
}

func (s *Store) insert(ctx context.Context, o model.Option) (model.Option, error) {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO options (`+insertColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nullChainID(o.ChainID),
		int64(o.OptionType),
		o.StrikePrice.String(),
		o.PremiumPrice.String(),
		o.Asset,
		o.AssetAmount.String(),
		o.SellerAddress,
		nullString(o.BuyerAddress),
		o.Expiry.Unix(),
		o.CollateralTransferred,
		string(o.Status),
		o.Settlement,
		o.TxHash,
		o.FailureReason,
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return model.Option{}, fmt.Errorf("insert option: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Option{}, fmt.Errorf("insert option id: %w", err)
	}
	o.ID = id
	return o, nil
}

// AttachSubmission records the creation transaction hash on a provisional row.
func (s *Store) AttachSubmission(ctx context.Context, id int64, txHash string) error {
	return s.updateProvisional(ctx, id, `UPDATE options SET tx_hash=?, updated_at=?
		WHERE id=? AND chain_id IS NULL AND status='provisional'`,
		txHash, time.Now().UnixNano(), id)
}

// MarkProvisionalFailed flags a provisional row whose chain call failed.
func (s *Store) MarkProvisionalFailed(ctx context.Context, id int64, reason string) error {
	return s.updateProvisional(ctx, id, `UPDATE options SET status='failed', failure_reason=?, updated_at=?
		WHERE id=? AND chain_id IS NULL AND status='provisional'`,
		reason, time.Now().UnixNano(), id)
}

func (s *Store) updateProvisional(ctx context.Context, id int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
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
	if next.CollateralTransferred == current.CollateralTransferred && ptrEqual(next.BuyerAddress, current.BuyerAddress) {
		return current, nil
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE options SET buyer_address=?, collateral_transferred=?, updated_at=?
		WHERE id=? AND chain_id IS NULL AND status='provisional'
			AND buyer_address IS ? AND collateral_transferred=?`,
		nullString(next.BuyerAddress), next.CollateralTransferred, now.UnixNano(),
		id, nullString(current.BuyerAddress), current.CollateralTransferred,
	)
	if err != nil {
		return model.Option{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Option{}, err
	} else if n == 0 {
		return model.Option{}, model.ErrConflict
	}
	next.UpdatedAt = now
	return next, nil
}

// DeleteProvisional removes a row that has no chain id. Deleting a missing
// row reports false without error.
func (s *Store) DeleteProvisional(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM options WHERE id=? AND chain_id IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
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
	return s.queryOne(ctx, `SELECT `+selectColumns+` FROM options WHERE id=?`, id)
}

func (s *Store) GetByChainID(ctx context.Context, chainID uint64) (model.Option, error) {
	return s.queryOne(ctx, `SELECT `+selectColumns+` FROM options WHERE chain_id=?`, int64(chainID))
}

// FindProvisionalMatch returns the newest provisional row with the given
// business fields.
func (s *Store) FindProvisionalMatch(ctx context.Context, key model.MatchKey) (model.Option, error) {
	return s.queryOne(ctx, `SELECT `+selectColumns+` FROM options
		WHERE chain_id IS NULL AND status='provisional'
			AND lower(seller_address)=lower(?) AND strike_price=? AND premium_price=?
			AND lower(asset)=lower(?) AND expiry=?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		key.SellerAddress, key.StrikePrice.String(), key.PremiumPrice.String(), key.Asset, key.Expiry.Unix(),
	)
}

// Promote attaches a chain id to a provisional row. It returns
// model.ErrConflict when the row is no longer provisional.
func (s *Store) Promote(ctx context.Context, id int64, p model.Promotion) (model.Option, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE options SET chain_id=?, option_type=?, asset_amount=?,
			tx_hash=CASE WHEN ?='' THEN tx_hash ELSE ? END,
			buyer_address=NULL, collateral_transferred=0, status='confirmed', failure_reason='', updated_at=?
		WHERE id=? AND chain_id IS NULL AND status='provisional'`,
		int64(p.ChainID), int64(p.OptionType), p.AssetAmount.String(),
		p.TxHash, p.TxHash, time.Now().UnixNano(), id,
	)
	if err != nil {
		return model.Option{}, fmt.Errorf("promote option: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Option{}, err
	} else if n == 0 {
		return model.Option{}, model.ErrConflict
	}
	return s.GetByID(ctx, id)
}

// SaveTransition writes a state machine step. It reports false when the row
// no longer matches prev.
func (s *Store) SaveTransition(ctx context.Context, prev, next model.Option) (bool, error) {
	if prev.ChainID == nil {
		return false, fmt.Errorf("transition needs a chain id")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE options SET status=?, buyer_address=?, collateral_transferred=?, settlement=?, updated_at=?
		WHERE chain_id=? AND status=? AND settlement=?`,
		string(next.Status), nullString(next.BuyerAddress), next.CollateralTransferred, next.Settlement,
		time.Now().UnixNano(), int64(*prev.ChainID), string(prev.Status), prev.Settlement,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteByChainID removes a non-terminal confirmed row.
func (s *Store) DeleteByChainID(ctx context.Context, chainID uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM options
		WHERE chain_id=? AND status NOT IN ('settled','failed')`, int64(chainID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SettleExpired settles collateral-backed options whose expiry has passed.
func (s *Store) SettleExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE options SET status='settled', settlement='expired', updated_at=?
		WHERE status='collateral_held' AND expiry<=?`,
		time.Now().UnixNano(), now.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns rows matching f, newest first.
func (s *Store) List(ctx context.Context, f model.ListFilter) ([]model.Option, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Seller != nil {
		where = append(where, `lower(seller_address)=lower(?)`)
		args = append(args, *f.Seller)
	}
	switch {
	case f.Unsold:
		where = append(where, `buyer_address IS NULL`)
	case f.Buyer != nil:
		where = append(where, `lower(buyer_address)=lower(?)`)
		args = append(args, *f.Buyer)
	}
	if !f.IncludeProvisional {
		where = append(where, `chain_id IS NOT NULL`)
	}

	query := `SELECT ` + selectColumns + ` FROM options`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	err := s.db.QueryRowContext(ctx, `SELECT last_processed_block FROM indexer_state WHERE name=?`, name).Scan(&block)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block=excluded.last_processed_block, updated_at=excluded.updated_at`,
		name, int64(block), time.Now().UnixNano())
	return err
}

func (s *Store) queryOne(ctx context.Context, query string, args ...interface{}) (model.Option, error) {
	o, err := scanOption(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Option{}, model.ErrNotFound
	}
	return o, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOption(row scanner) (model.Option, error) {
	var (
		o                        model.Option
		chainID                  sql.NullInt64
		optionType               int64
		strike, premium, amount  string
		buyer                    sql.NullString
		expiry, created, updated int64
		status                   string
	)
	if err := row.Scan(
		&o.ID, &chainID, &optionType, &strike, &premium, &o.Asset, &amount,
		&o.SellerAddress, &buyer, &expiry, &o.CollateralTransferred, &status, &o.Settlement,
		&o.TxHash, &o.FailureReason, &created, &updated,
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
	if chainID.Valid {
		id := uint64(chainID.Int64)
		o.ChainID = &id
	}
	if buyer.Valid {
		b := buyer.String
		o.BuyerAddress = &b
	}
	o.OptionType = model.OptionType(optionType)
	o.Status = model.Status(status)
	o.Expiry = time.Unix(expiry, 0).UTC()
	o.CreatedAt = time.Unix(0, created).UTC()
	o.UpdatedAt = time.Unix(0, updated).UTC()
	return o, nil
}

func nullChainID(id *uint64) interface{} {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func ptrEqual(a, b *string) bool {
	switch {
	case a == nil || b == nil:
		return a == b
	default:
		return *a == *b
	}
}
