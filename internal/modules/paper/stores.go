package paper

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so every store method can
// run inside or outside the mutation transaction.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const portfolioColumns = `id, owner, name, mode, initial_capital, cash, invested_value, total_value,
	realized_pnl, unrealized_pnl, total_pnl, max_drawdown, commission_rate,
	total_trades, winning_trades, losing_trades, created_at, updated_at`

type portfolioStore struct{}

func (portfolioStore) insert(q queryer, p Portfolio) error {
	_, err := q.Exec(`
		INSERT INTO paper_portfolios (`+portfolioColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Owner, p.Name, p.Mode, p.InitialCapital.String(), p.Cash.String(),
		p.InvestedValue.String(), p.TotalValue.String(), p.RealizedPnL.String(),
		p.UnrealizedPnL.String(), p.TotalPnL.String(), p.MaxDrawdown.String(),
		p.CommissionRate.String(), p.TotalTrades, p.WinningTrades, p.LosingTrades,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return domain.WrapError(domain.KindInternal, "insert portfolio", err)
	}
	return nil
}

func (portfolioStore) get(q queryer, id string) (*Portfolio, error) {
	rows, err := q.Query(`SELECT `+portfolioColumns+` FROM paper_portfolios WHERE id = ?`, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "get portfolio", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, domain.Errorf(domain.KindNotFound, "portfolio %q not found", id)
	}
	return scanPortfolio(rows)
}

func (portfolioStore) listByOwner(q queryer, owner string) ([]Portfolio, error) {
	rows, err := q.Query(`SELECT `+portfolioColumns+` FROM paper_portfolios WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "list portfolios", err)
	}
	defer rows.Close()

	var portfolios []Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		portfolios = append(portfolios, *p)
	}
	return portfolios, rows.Err()
}

func (portfolioStore) update(q queryer, p Portfolio) error {
	res, err := q.Exec(`
		UPDATE paper_portfolios
		SET cash = ?, invested_value = ?, total_value = ?, realized_pnl = ?, unrealized_pnl = ?,
		    total_pnl = ?, max_drawdown = ?, total_trades = ?, winning_trades = ?, losing_trades = ?,
		    updated_at = ?
		WHERE id = ?`,
		p.Cash.String(), p.InvestedValue.String(), p.TotalValue.String(),
		p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.TotalPnL.String(),
		p.MaxDrawdown.String(), p.TotalTrades, p.WinningTrades, p.LosingTrades,
		time.Now().UTC().UnixMilli(), p.ID)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "update portfolio", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "portfolio %q not found", p.ID)
	}
	return nil
}

func scanPortfolio(rows *sql.Rows) (*Portfolio, error) {
	var (
		p                                     Portfolio
		initial, cash, invested, total        string
		realized, unrealized, totalPnL, maxDD string
		commission                            string
		createdAtMs, updatedAtMs              int64
	)
	err := rows.Scan(&p.ID, &p.Owner, &p.Name, &p.Mode, &initial, &cash, &invested, &total,
		&realized, &unrealized, &totalPnL, &maxDD, &commission,
		&p.TotalTrades, &p.WinningTrades, &p.LosingTrades, &createdAtMs, &updatedAtMs)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "scan portfolio", err)
	}

	if err := parseDecimals(
		dec{initial, &p.InitialCapital}, dec{cash, &p.Cash}, dec{invested, &p.InvestedValue},
		dec{total, &p.TotalValue}, dec{realized, &p.RealizedPnL}, dec{unrealized, &p.UnrealizedPnL},
		dec{totalPnL, &p.TotalPnL}, dec{maxDD, &p.MaxDrawdown}, dec{commission, &p.CommissionRate},
	); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return &p, nil
}

const positionColumns = `id, portfolio_id, symbol, quantity, avg_entry_price, total_cost,
	current_price, market_value, unrealized_pnl, stop_loss, take_profit, active, created_at, updated_at`

type positionStore struct{}

func (positionStore) insert(q queryer, pos Position) error {
	_, err := q.Exec(`
		INSERT INTO paper_positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.PortfolioID, pos.Symbol, pos.Quantity.String(), pos.AvgEntryPrice.String(),
		pos.TotalCost.String(), pos.CurrentPrice.String(), pos.MarketValue.String(),
		pos.UnrealizedPnL.String(), decPtr(pos.StopLoss), decPtr(pos.TakeProfit),
		boolToInt(pos.Active), pos.CreatedAt.UnixMilli(), pos.UpdatedAt.UnixMilli())
	if err != nil {
		return domain.WrapError(domain.KindInternal, "insert position", err)
	}
	return nil
}

func (positionStore) update(q queryer, pos Position) error {
	_, err := q.Exec(`
		UPDATE paper_positions
		SET quantity = ?, avg_entry_price = ?, total_cost = ?, current_price = ?, market_value = ?,
		    unrealized_pnl = ?, stop_loss = ?, take_profit = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		pos.Quantity.String(), pos.AvgEntryPrice.String(), pos.TotalCost.String(),
		pos.CurrentPrice.String(), pos.MarketValue.String(), pos.UnrealizedPnL.String(),
		decPtr(pos.StopLoss), decPtr(pos.TakeProfit), boolToInt(pos.Active),
		time.Now().UTC().UnixMilli(), pos.ID)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "update position", err)
	}
	return nil
}

// activeBySymbol returns the active position for a symbol, or nil.
func (positionStore) activeBySymbol(q queryer, portfolioID, symbol string) (*Position, error) {
	rows, err := q.Query(`SELECT `+positionColumns+` FROM paper_positions
		WHERE portfolio_id = ? AND symbol = ? AND active = 1`, portfolioID, symbol)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "get position", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanPosition(rows)
}

func (positionStore) listActive(q queryer, portfolioID string) ([]Position, error) {
	rows, err := q.Query(`SELECT `+positionColumns+` FROM paper_positions
		WHERE portfolio_id = ? AND active = 1 ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "list positions", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

func scanPosition(rows *sql.Rows) (*Position, error) {
	var (
		pos                      Position
		qty, avg, cost           string
		current, market, unreal  string
		stopLoss, takeProfit     sql.NullString
		active                   int
		createdAtMs, updatedAtMs int64
	)
	err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.Symbol, &qty, &avg, &cost,
		&current, &market, &unreal, &stopLoss, &takeProfit, &active, &createdAtMs, &updatedAtMs)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "scan position", err)
	}

	if err := parseDecimals(
		dec{qty, &pos.Quantity}, dec{avg, &pos.AvgEntryPrice}, dec{cost, &pos.TotalCost},
		dec{current, &pos.CurrentPrice}, dec{market, &pos.MarketValue}, dec{unreal, &pos.UnrealizedPnL},
	); err != nil {
		return nil, err
	}
	if pos.StopLoss, err = parseDecPtr(stopLoss); err != nil {
		return nil, err
	}
	if pos.TakeProfit, err = parseDecPtr(takeProfit); err != nil {
		return nil, err
	}
	pos.Active = active != 0
	pos.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	pos.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return &pos, nil
}

const tradeColumns = `id, portfolio_id, position_id, symbol, side, quantity, price, total_value,
	fee, net_cost, realized_pnl, realized_pnl_pct, order_type, status, executed_at`

type tradeStore struct{}

func (tradeStore) insert(q queryer, t Trade) error {
	_, err := q.Exec(`
		INSERT INTO paper_trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PortfolioID, nullString(t.PositionID), t.Symbol, t.Side,
		t.Quantity.String(), t.Price.String(), t.TotalValue.String(), t.Fee.String(),
		t.NetCost.String(), decPtr(t.RealizedPnL), decPtr(t.RealizedPnLPct),
		t.OrderType, t.Status, t.ExecutedAt.UnixMilli())
	if err != nil {
		return domain.WrapError(domain.KindInternal, "insert trade", err)
	}
	return nil
}

func (tradeStore) history(q queryer, portfolioID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Query(`SELECT `+tradeColumns+` FROM paper_trades
		WHERE portfolio_id = ? ORDER BY executed_at DESC LIMIT ?`, portfolioID, limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "trade history", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanTrade(rows *sql.Rows) (*Trade, error) {
	var (
		t                     Trade
		positionID            sql.NullString
		qty, price, total     string
		fee, netCost          string
		realized, realizedPct sql.NullString
		executedAtMs          int64
	)
	err := rows.Scan(&t.ID, &t.PortfolioID, &positionID, &t.Symbol, &t.Side,
		&qty, &price, &total, &fee, &netCost, &realized, &realizedPct,
		&t.OrderType, &t.Status, &executedAtMs)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "scan trade", err)
	}

	if err := parseDecimals(
		dec{qty, &t.Quantity}, dec{price, &t.Price}, dec{total, &t.TotalValue},
		dec{fee, &t.Fee}, dec{netCost, &t.NetCost},
	); err != nil {
		return nil, err
	}
	t.PositionID = positionID.String
	if t.RealizedPnL, err = parseDecPtr(realized); err != nil {
		return nil, err
	}
	if t.RealizedPnLPct, err = parseDecPtr(realizedPct); err != nil {
		return nil, err
	}
	t.ExecutedAt = time.UnixMilli(executedAtMs).UTC()
	return &t, nil
}

type balanceStore struct{}

// get returns the balance row for an asset, or a zero balance when absent.
func (balanceStore) get(q queryer, portfolioID, asset string) (Balance, error) {
	var (
		free, locked, usd string
		updatedAtMs       int64
	)
	err := q.QueryRow(`SELECT free, locked, usd_value, updated_at FROM paper_balances
		WHERE portfolio_id = ? AND asset = ?`, portfolioID, asset).
		Scan(&free, &locked, &usd, &updatedAtMs)
	if err == sql.ErrNoRows {
		return Balance{PortfolioID: portfolioID, Asset: asset}, nil
	}
	if err != nil {
		return Balance{}, domain.WrapError(domain.KindInternal, "get balance", err)
	}

	b := Balance{PortfolioID: portfolioID, Asset: asset, UpdatedAt: time.UnixMilli(updatedAtMs).UTC()}
	if b.Free, err = decimal.NewFromString(free); err != nil {
		return Balance{}, domain.WrapError(domain.KindInternal, "parse balance decimal", err)
	}
	if b.Locked, err = decimal.NewFromString(locked); err != nil {
		return Balance{}, domain.WrapError(domain.KindInternal, "parse balance decimal", err)
	}
	if b.USDValue, err = decimal.NewFromString(usd); err != nil {
		return Balance{}, domain.WrapError(domain.KindInternal, "parse balance decimal", err)
	}
	return b, nil
}

func (balanceStore) upsert(q queryer, b Balance) error {
	_, err := q.Exec(`
		INSERT INTO paper_balances (portfolio_id, asset, free, locked, usd_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (portfolio_id, asset)
		DO UPDATE SET free = excluded.free, locked = excluded.locked,
		              usd_value = excluded.usd_value, updated_at = excluded.updated_at`,
		b.PortfolioID, b.Asset, b.Free.String(), b.Locked.String(), b.USDValue.String(),
		time.Now().UTC().UnixMilli())
	if err != nil {
		return domain.WrapError(domain.KindInternal, "upsert balance", err)
	}
	return nil
}

func (balanceStore) list(q queryer, portfolioID string) ([]Balance, error) {
	rows, err := q.Query(`SELECT asset, free, locked, usd_value, updated_at FROM paper_balances
		WHERE portfolio_id = ? ORDER BY asset`, portfolioID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "list balances", err)
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var (
			b                 Balance
			free, locked, usd string
			updatedAtMs       int64
		)
		if err := rows.Scan(&b.Asset, &free, &locked, &usd, &updatedAtMs); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "scan balance", err)
		}
		b.PortfolioID = portfolioID
		b.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
		if b.Free, err = decimal.NewFromString(free); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "parse balance decimal", err)
		}
		if b.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "parse balance decimal", err)
		}
		if b.USDValue, err = decimal.NewFromString(usd); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "parse balance decimal", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// dec pairs a stored TEXT value with its destination field.
type dec struct {
	src string
	dst *decimal.Decimal
}

func parseDecimals(fields ...dec) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.WrapError(domain.KindInternal, "parse stored decimal", err)
		}
		*f.dst = d
	}
	return nil
}

func decPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "parse decimal", err)
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
