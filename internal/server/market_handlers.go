package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
)

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	tf := domain.Timeframe(chi.URLParam(r, "timeframe"))
	if !domain.ValidTimeframe(tf) {
		s.writeError(w, domain.Errorf(domain.KindBadRequest, "invalid timeframe %q", tf))
		return
	}

	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("to") != "" {
		candles, err := s.deps.Candles.Range(symbol, tf, marketdata.RangeQuery{
			From:  queryMillis(r, "from"),
			To:    queryMillis(r, "to"),
			Limit: queryInt(r, "limit", 0),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"candles": candles, "count": len(candles)})
		return
	}

	candles, err := s.deps.Candles.Recent(symbol, tf, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"candles": candles, "count": len(candles)})
}

func (s *Server) handleIndicator(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	tf := domain.Timeframe(chi.URLParam(r, "timeframe"))
	name := chi.URLParam(r, "name")
	if !domain.ValidTimeframe(tf) {
		s.writeError(w, domain.Errorf(domain.KindBadRequest, "invalid timeframe %q", tf))
		return
	}

	if limit := queryInt(r, "limit", 0); limit > 0 {
		samples, err := s.deps.Indicators.Recent(symbol, tf, name, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"samples": samples, "count": len(samples)})
		return
	}

	sample, err := s.deps.Indicators.Latest(symbol, tf, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handlePopularSymbols(w http.ResponseWriter, r *http.Request) {
	quote := r.URL.Query().Get("quote")
	if quote == "" {
		quote = "USDT"
	}
	tickers, err := s.deps.Symbols.PopularByVolume(r.Context(), quote, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tickers": tickers, "count": len(tickers)})
}

func (s *Server) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Symbols.Info(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if info == nil {
		s.writeError(w, domain.Errorf(domain.KindNotFound, "unknown symbol %q", chi.URLParam(r, "symbol")))
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// queryMillis reads a Unix-millisecond query parameter. Zero when absent or
// malformed, which the range query treats as unbounded.
func queryMillis(r *http.Request, key string) time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
