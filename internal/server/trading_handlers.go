package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/modules/paper"
	"github.com/avendel/cryptodesk/internal/modules/trading"
)

// engineFor resolves the execution engine from the mode query parameter.
// Absent means paper.
func (s *Server) engineFor(r *http.Request) (trading.Engine, error) {
	return s.deps.Router.Engine(r.URL.Query().Get("mode"))
}

func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner          string           `json:"owner"`
		Name           string           `json:"name"`
		InitialCapital decimal.Decimal  `json:"initial_capital"`
		CommissionRate *decimal.Decimal `json:"commission_rate"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	rate := paper.DefaultCommissionRate
	if req.CommissionRate != nil {
		rate = *req.CommissionRate
	}

	p, err := s.deps.Portfolios.CreatePortfolio(req.Owner, req.Name, req.InitialCapital, rate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := s.deps.Portfolios.ListPortfolios(r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolios": portfolios,
		"count":      len(portfolios),
	})
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Portfolios.GetPortfolio(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	positions, err := engine.Positions(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balances, err := engine.Balances(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances": balances,
		"count":    len(balances),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.deps.Portfolios.Balance(chi.URLParam(r, "id"), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	trades, err := engine.TradeHistory(chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleOrder(w, r, true)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleOrder(w, r, false)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request, buy bool) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req paper.OrderRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	var trade *paper.Trade
	if buy {
		trade, err = engine.Buy(r.Context(), id, req)
	} else {
		trade, err = engine.Sell(r.Context(), id, req)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Symbol string           `json:"symbol"`
		Price  *decimal.Decimal `json:"price"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	trade, err := engine.ClosePosition(r.Context(), chi.URLParam(r, "id"), req.Symbol, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleSetStopLoss(w http.ResponseWriter, r *http.Request) {
	s.handleTrigger(w, r, true)
}

func (s *Server) handleSetTakeProfit(w http.ResponseWriter, r *http.Request) {
	s.handleTrigger(w, r, false)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, stop bool) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if stop {
		err = engine.SetStopLoss(id, req.Symbol, req.Price)
	} else {
		err = engine.SetTakeProfit(id, req.Symbol, req.Price)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "set", "symbol": req.Symbol})
}

func (s *Server) handleMarkToMarket(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := engine.MarkToMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}
