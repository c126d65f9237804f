package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const uniqueViolation = "23505"

// TradeLedgerStore implements domain.TradeLedger on PostgreSQL. Each result
// is one trade_results row plus one trade_legs row per leg, written in a
// single transaction. Money columns are NUMERIC and travel as decimal
// strings so no value passes through a float.
type TradeLedgerStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeLedger = (*TradeLedgerStore)(nil)

// NewTradeLedgerStore creates a store on pool.
func NewTradeLedgerStore(pool *pgxpool.Pool) *TradeLedgerStore {
	return &TradeLedgerStore{pool: pool}
}

// legRow pairs a leg with its role in the trade.
type legRow struct {
	role string
	leg  domain.TradeLeg
}

func legRows(res domain.TradeResult) []legRow {
	rows := []legRow{{"buy", res.Buy}, {"sell", res.Sell}}
	if res.Unwind != nil {
		rows = append(rows, legRow{"unwind", *res.Unwind})
	}
	return rows
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Append inserts res. A second append of the same ID fails with
// domain.ErrAlreadyExists.
func (s *TradeLedgerStore) Append(ctx context.Context, res domain.TradeResult) error {
	if res.ID == "" {
		return errors.New("postgres: append trade: empty id")
	}
	opp, err := json.Marshal(res.Opportunity)
	if err != nil {
		return fmt.Errorf("postgres: encode opportunity %s: %w", res.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_results (
			id, opportunity_id, opportunity, buy_venue, sell_venue, pair, outcome,
			realized_pnl, fees, residual_exposure, corrects_id, note, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric,
			$10::text::numeric, $11, $12, $13, $14)`,
		res.ID, res.OpportunityID, opp, res.Buy.Venue, res.Sell.Venue, res.Buy.Pair, string(res.Outcome),
		res.RealizedPnL.String(), res.Fees.String(), res.ResidualExposure.String(),
		nullable(res.CorrectsID), res.Note, res.StartedAt, res.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: trade %s: %w", res.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert trade_result %s: %w", res.ID, err)
	}

	batch := &pgx.Batch{}
	for _, r := range legRows(res) {
		l := r.leg
		batch.Queue(`
			INSERT INTO trade_legs (
				trade_id, role, venue, pair, side, requested_size, limit_price, filled_size,
				avg_price, state, order_id, client_order_id, attempts, error
			) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric,
				$8::text::numeric, $9::text::numeric, $10, $11, $12, $13, $14)`,
			res.ID, r.role, l.Venue, l.Pair, string(l.Side),
			l.RequestedSize.String(), l.LimitPrice.String(), l.FilledSize.String(), l.AvgPrice.String(),
			string(l.State), l.OrderID, l.ClientOrderID, l.Attempts, l.Error,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert trade_legs %s: %w", res.ID, err)
	}
	return tx.Commit(ctx)
}

const resultSelectCols = `id, opportunity_id, opportunity, outcome, realized_pnl::text, fees::text,
	residual_exposure::text, COALESCE(corrects_id, ''), note, started_at, completed_at`

// Get returns one result with its legs.
func (s *TradeLedgerStore) Get(ctx context.Context, id string) (domain.TradeResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resultSelectCols+` FROM trade_results WHERE id = $1`, id)
	res, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeResult{}, fmt.Errorf("postgres: trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	list := []domain.TradeResult{res}
	if err := s.attachLegs(ctx, list); err != nil {
		return domain.TradeResult{}, err
	}
	return list[0], nil
}

// ListRecent returns up to limit results, newest first. A non-positive
// limit defaults to 50.
func (s *TradeLedgerStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+resultSelectCols+` FROM trade_results
		ORDER BY recorded_at DESC, completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var list []domain.TradeResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		list = append(list, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	if err := s.attachLegs(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func scanResult(row pgx.Row) (domain.TradeResult, error) {
	var (
		res                 domain.TradeResult
		opp                 []byte
		outcome             string
		pnl, fees, residual string
	)
	if err := row.Scan(&res.ID, &res.OpportunityID, &opp, &outcome, &pnl, &fees, &residual,
		&res.CorrectsID, &res.Note, &res.StartedAt, &res.CompletedAt); err != nil {
		return domain.TradeResult{}, err
	}
	if err := json.Unmarshal(opp, &res.Opportunity); err != nil {
		return domain.TradeResult{}, fmt.Errorf("decode opportunity %s: %w", res.ID, err)
	}
	res.Outcome = domain.Outcome(outcome)
	var err error
	if res.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
		return domain.TradeResult{}, err
	}
	if res.Fees, err = decimal.NewFromString(fees); err != nil {
		return domain.TradeResult{}, err
	}
	if res.ResidualExposure, err = decimal.NewFromString(residual); err != nil {
		return domain.TradeResult{}, err
	}
	return res, nil
}

func (s *TradeLedgerStore) attachLegs(ctx context.Context, list []domain.TradeResult) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i, res := range list {
		ids[i] = res.ID
		index[res.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, role, venue, pair, side, requested_size::text, limit_price::text,
			filled_size::text, avg_price::text, state, order_id, client_order_id, attempts, error
		FROM trade_legs WHERE trade_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: list trade_legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tradeID, role, side, state    string
			requested, limit, filled, avg string
			leg                           domain.TradeLeg
		)
		if err := rows.Scan(&tradeID, &role, &leg.Venue, &leg.Pair, &side, &requested, &limit,
			&filled, &avg, &state, &leg.OrderID, &leg.ClientOrderID, &leg.Attempts, &leg.Error); err != nil {
			return fmt.Errorf("postgres: scan trade_leg: %w", err)
		}
		leg.Side = domain.Side(side)
		leg.State = domain.LegState(state)
		if err := parseDecimals(
			[]string{requested, limit, filled, avg},
			[]*decimal.Decimal{&leg.RequestedSize, &leg.LimitPrice, &leg.FilledSize, &leg.AvgPrice},
		); err != nil {
			return fmt.Errorf("postgres: trade_leg %s/%s: %w", tradeID, role, err)
		}

		res := &list[index[tradeID]]
		switch role {
		case "buy":
			res.Buy = leg
		case "sell":
			res.Sell = leg
		case "unwind":
			l := leg
			res.Unwind = &l
		}
	}
	return rows.Err()
}

func parseDecimals(in []string, out []*decimal.Decimal) error {
	for i, s := range in {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*out[i] = d
	}
	return nil
}
