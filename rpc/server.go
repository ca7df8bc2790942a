// Package rpc exposes the market over HTTP as a JSON REST surface. Amounts
// travel as decimal strings; addresses as 0x-prefixed hex. Every failure from
// the engines carries a stable numeric code which is passed through to the
// client unchanged.
package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"cashmarket/core/types"
	"cashmarket/native/common"
	"cashmarket/native/escrow"
	"cashmarket/native/market"
	"cashmarket/native/portfolio"
	"cashmarket/native/settlement"
	"cashmarket/observability"
)

// Server wires the engines to the HTTP surface.
type Server struct {
	log        *slog.Logger
	market     *market.Engine
	positions  *portfolio.Ledger
	balances   *escrow.Engine
	settlement *settlement.Engine
	limiter    *rate.Limiter
	nowFunc    func() int64

	// dispatchMu serializes mutating calls. The engines run an unlocked
	// load-mutate-persist cycle over the keeper and assume one writer.
	dispatchMu sync.Mutex

	quota   common.Quota
	quotaMu sync.Mutex
	usage   map[types.Address]common.QuotaUsage
}

// Config collects the server dependencies.
type Config struct {
	Logger     *slog.Logger
	Market     *market.Engine
	Positions  *portfolio.Ledger
	Balances   *escrow.Engine
	Settlement *settlement.Engine
	// RequestsPerSecond throttles the whole surface; zero disables the
	// limiter.
	RequestsPerSecond float64
	Burst             int
	// TradeQuota limits per-address trade submissions per epoch; the zero
	// value disables it.
	TradeQuota common.Quota
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:        logger,
		market:     cfg.Market,
		positions:  cfg.Positions,
		balances:   cfg.Balances,
		settlement: cfg.Settlement,
		nowFunc:    func() int64 { return time.Now().Unix() },
		quota:      cfg.TradeQuota,
		usage:      make(map[types.Address]common.QuotaUsage),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s
}

// SetNowFunc overrides the server clock.
func (s *Server) SetNowFunc(now func() int64) {
	if now != nil {
		s.nowFunc = now
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.telemetry)
	r.Use(s.throttle)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/groups", s.handleListGroups)
		r.Get("/groups/{group}/maturities", s.handleActiveMaturities)
		r.Get("/groups/{group}/rates", s.handleMarketRates)
		r.Get("/groups/{group}/maturities/{maturity}/pool", s.handleGetPool)
		r.Get("/groups/{group}/maturities/{maturity}/quote", s.handleQuote)

		r.Get("/accounts/{address}/portfolio", s.handlePortfolio)
		r.Get("/accounts/{address}/balances/{currency}", s.handleBalances)
		r.Get("/accounts/{address}/free-collateral", s.handleFreeCollateral)

		r.Group(func(r chi.Router) {
			r.Use(s.serialize)

			r.Post("/trades/borrow", s.handleBorrow)
			r.Post("/trades/lend", s.handleLend)
			r.Post("/liquidity/add", s.handleAddLiquidity)
			r.Post("/liquidity/remove", s.handleRemoveLiquidity)

			r.Post("/escrow/deposit", s.handleDeposit)
			r.Post("/escrow/withdraw", s.handleWithdraw)
			r.Post("/escrow/settle-cash", s.handleSettleCash)

			r.Post("/settlement/settle", s.handleSettle)
			r.Post("/settlement/settle-batch", s.handleSettleBatch)
			r.Post("/settlement/liquidate", s.handleLiquidate)
		})
	})

	return r
}

// serialize admits one mutating request at a time. Concurrent writes against
// the same pool or account would each load the same record and the last
// persist would win, losing the other update.
func (s *Server) serialize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			observability.RequestMetrics().ObserveThrottle()
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.RequestMetrics().ObserveRequest(route, r.Method, rec.status, time.Since(start))
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  uint16 `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var coded *common.Error
	if errors.As(err, &coded) {
		body.Code = uint16(coded.Code())
	}
	s.writeJSON(w, status, body)
}

// writeEngineError maps an engine failure onto an HTTP status. Coded errors
// are client faults; anything else is an internal failure.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var coded *common.Error
	switch {
	case errors.Is(err, common.ErrModulePaused):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &coded):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		s.log.Error("internal error", "err", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// checkTradeQuota charges one trade of the given notional against the
// address's per-epoch quota.
func (s *Server) checkTradeQuota(addr types.Address, notional *big.Int) error {
	if !s.quota.Enabled() {
		return nil
	}
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	next, err := common.CheckQuota(s.quota, s.quota.Epoch(s.nowFunc()), s.usage[addr], notional)
	if err != nil {
		return err
	}
	s.usage[addr] = next
	return nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
