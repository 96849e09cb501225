package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL error code for a UNIQUE conflict.
const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values and quantities are stored as NUMERIC and exchanged
// as TEXT for exact decimal precision.
type PostgresStore struct {
	pool DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool DB) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction, committing only if fn succeeds.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return insertTrade(ctx, s.pool, t)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTrade(ctx context.Context, q queryRower, t *model.Trade) error {
	err := q.QueryRow(ctx,
		`INSERT INTO trades (ticker, platform_id, price, quantity, date, trade_type)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 RETURNING id`,
		t.Ticker, t.PlatformID, t.Price.String(), t.Quantity.String(), t.Date, string(t.Side),
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticker, platform_id,
		        COALESCE(price, 0)::TEXT, COALESCE(quantity, 0)::TEXT,
		        date, trade_type
		 FROM trades
		 ORDER BY ticker, platform_id, date, id`)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS, qtyS, side string
		if err := rows.Scan(&t.ID, &t.Ticker, &t.PlatformID, &priceS, &qtyS, &t.Date, &side); err != nil {
			return nil, err
		}
		t.Price = parseDecimal(priceS)
		t.Quantity = parseDecimal(qtyS)
		t.Side = model.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Positions ---

// ReplacePositions deletes every position of the given keys and inserts the
// new set in one transaction. Readers see either the old or the new set.
func (s *PostgresStore) ReplacePositions(ctx context.Context, keys []model.PositionKey, positions []model.Position) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, k := range keys {
			if _, err := tx.Exec(ctx,
				`DELETE FROM positions WHERE ticker = $1 AND platform_id = $2`,
				k.Ticker, k.PlatformID,
			); err != nil {
				return fmt.Errorf("delete positions %s: %w", k, err)
			}
		}
		for _, p := range positions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (ticker, platform_id, trade_type, position_status,
				                        entry_price, quantity, entry_date,
				                        exit_price, exit_date, profit_loss, source_trade_id)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9, $10::NUMERIC, $11)`,
				p.Ticker, p.PlatformID, string(p.Direction), string(p.Status),
				p.EntryPrice.String(), p.Quantity.String(), p.EntryDate,
				nullDecimalArg(p.ExitPrice), p.ExitDate, nullDecimalArg(p.ProfitLoss), p.SourceTradeID,
			); err != nil {
				return fmt.Errorf("insert position %s: %w", p.Key(), err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error) {
	query := `SELECT id, ticker, platform_id, trade_type, position_status,
	                 entry_price::TEXT, quantity::TEXT, entry_date,
	                 exit_price::TEXT, exit_date, profit_loss::TEXT,
	                 COALESCE(source_trade_id, 0)
	          FROM positions`
	var args []any
	if status != "" {
		query += ` WHERE position_status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var direction, st, entryS, qtyS string
		var exitS, pnlS *string
		if err := rows.Scan(&p.ID, &p.Ticker, &p.PlatformID, &direction, &st,
			&entryS, &qtyS, &p.EntryDate,
			&exitS, &p.ExitDate, &pnlS, &p.SourceTradeID); err != nil {
			return nil, err
		}
		p.Direction = model.Direction(direction)
		p.Status = model.PositionStatus(st)
		p.EntryPrice = parseDecimal(entryS)
		p.Quantity = parseDecimal(qtyS)
		p.ExitPrice = parseNullDecimal(exitS)
		p.ProfitLoss = parseNullDecimal(pnlS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Option trades ---

const optionColumns = `id, ticker, platform_id, strategy, strike_price::TEXT,
	expiry_date, trade_date, transaction_type, option_open_price::TEXT, open_fee::TEXT,
	notes, status, close_date, option_close_price::TEXT, close_fee::TEXT, profit_loss::TEXT`

func (s *PostgresStore) InsertOptionTrade(ctx context.Context, o *model.OptionTrade) error {
	if o.Status == "" {
		o.Status = model.OptionOpen
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO option_trades (ticker, platform_id, strategy, strike_price, expiry_date,
		                            trade_date, transaction_type, option_open_price, open_fee, notes, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 RETURNING id`,
		o.Ticker, o.PlatformID, o.Strategy, o.StrikePrice.String(), o.ExpiryDate,
		o.TradeDate, string(o.TransactionType), o.OpenPrice.String(), o.OpenFee.String(), o.Notes, string(o.Status),
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert option trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOptionTrade(ctx context.Context, id int64) (*model.OptionTrade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+optionColumns+` FROM option_trades WHERE id = $1`, id)
	o, err := scanOptionTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("option trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get option trade %d: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOptionTrades(ctx context.Context, statuses ...model.OptionStatus) ([]model.OptionTrade, error) {
	query := `SELECT ` + optionColumns + ` FROM option_trades`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list option trades: %w", err)
	}
	defer rows.Close()

	var trades []model.OptionTrade
	for rows.Next() {
		o, err := scanOptionTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *o)
	}
	return trades, rows.Err()
}

// SettleOptionTrade updates the option trade and appends the synthetic
// equity trade in one transaction. The UPDATE only matches an open trade,
// so concurrent settlements of the same id cannot both succeed.
func (s *PostgresStore) SettleOptionTrade(ctx context.Context, id int64, c model.OptionClose, synthetic *model.Trade) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE option_trades
			 SET status = $2, close_date = $3, option_close_price = $4::NUMERIC,
			     close_fee = $5::NUMERIC, profit_loss = $6::NUMERIC, notes = $7
			 WHERE id = $1 AND status = 'open'`,
			id, string(c.Status), c.CloseDate, c.ClosePrice.String(),
			c.CloseFee.String(), nullDecimalArg(c.ProfitLoss), c.Notes,
		)
		if err != nil {
			return fmt.Errorf("settle option trade %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			var status string
			err := tx.QueryRow(ctx, `SELECT status FROM option_trades WHERE id = $1`, id).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("option trade %d: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("settle option trade %d: %w", id, err)
			}
			return fmt.Errorf("option trade %d is %s: %w", id, status, ErrAlreadySettled)
		}
		if synthetic != nil {
			return insertTrade(ctx, tx, synthetic)
		}
		return nil
	})
}

// --- Platforms ---

func (s *PostgresStore) InsertPlatform(ctx context.Context, p *model.Platform) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO platforms (name) VALUES ($1) RETURNING id`, p.Name,
	).Scan(&p.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("platform %s: %w", p.Name, ErrDuplicate)
		}
		return fmt.Errorf("insert platform %s: %w", p.Name, err)
	}
	return nil
}

func (s *PostgresStore) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM platforms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var platforms []model.Platform
	for rows.Next() {
		var p model.Platform
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}

// --- Cash flows ---

func (s *PostgresStore) InsertCashFlow(ctx context.Context, f *model.CashFlow) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO cash_flows (platform_id, flow_type, amount, flow_date, notes)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 RETURNING id`,
		f.PlatformID, string(f.Type), f.Amount.String(), f.Date, f.Notes,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("insert cash flow: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCashFlows(ctx context.Context) ([]model.CashFlow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, platform_id, flow_type, amount::TEXT, flow_date, notes
		 FROM cash_flows ORDER BY flow_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list cash flows: %w", err)
	}
	defer rows.Close()

	var flows []model.CashFlow
	for rows.Next() {
		var f model.CashFlow
		var flowType, amountS string
		if err := rows.Scan(&f.ID, &f.PlatformID, &flowType, &amountS, &f.Date, &f.Notes); err != nil {
			return nil, err
		}
		f.Type = model.CashFlowType(flowType)
		f.Amount = parseDecimal(amountS)
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// --- Metadata ---

func (s *PostgresStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO app_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	return err
}

func (s *PostgresStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM app_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	return value, err
}

// --- Scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanOptionTrade(row scanner) (*model.OptionTrade, error) {
	var o model.OptionTrade
	var strikeS, openS, openFeeS, txType, status string
	var closeS, closeFeeS, pnlS *string
	var closeDate *time.Time

	if err := row.Scan(&o.ID, &o.Ticker, &o.PlatformID, &o.Strategy, &strikeS,
		&o.ExpiryDate, &o.TradeDate, &txType, &openS, &openFeeS,
		&o.Notes, &status, &closeDate, &closeS, &closeFeeS, &pnlS); err != nil {
		return nil, err
	}
	o.StrikePrice = parseDecimal(strikeS)
	o.TransactionType = model.TransactionType(txType)
	o.OpenPrice = parseDecimal(openS)
	o.OpenFee = parseDecimal(openFeeS)
	o.Status = model.OptionStatus(status)
	o.CloseDate = closeDate
	o.ClosePrice = parseNullDecimal(closeS)
	o.CloseFee = parseNullDecimal(closeFeeS)
	o.ProfitLoss = parseNullDecimal(pnlS)
	return &o, nil
}

// parseDecimal coerces malformed values to zero so one corrupt row
// does not abort a whole read.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(parseDecimal(*s))
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
