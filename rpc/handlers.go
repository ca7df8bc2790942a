package rpc

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cashmarket/core/types"
	"cashmarket/native/portfolio"
	"cashmarket/native/settlement"
)

// amountParam decodes an optional decimal-string amount. Empty means absent.
func amountParam(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) groupParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	group := chi.URLParam(r, "group")
	if strings.TrimSpace(group) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("group is required"))
		return "", false
	}
	return group, true
}

func (s *Server) maturityParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "maturity")
	maturity, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid maturity %q", raw))
		return 0, false
	}
	return maturity, true
}

func (s *Server) addressParam(w http.ResponseWriter, r *http.Request) (types.Address, bool) {
	addr, err := types.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return types.Address{}, false
	}
	return addr, true
}

func (s *Server) parseAddress(w http.ResponseWriter, raw, field string) (types.Address, bool) {
	if strings.TrimSpace(raw) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%s is required", field))
		return types.Address{}, false
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return types.Address{}, false
	}
	return addr, true
}

func (s *Server) parseAmount(w http.ResponseWriter, raw, field string) (*big.Int, bool) {
	v, err := amountParam(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if v == nil || v.Sign() <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%s must be a positive decimal string", field))
		return nil, false
	}
	return v, true
}

func (s *Server) parseOptionalAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	v, err := amountParam(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return v, true
}

type groupResponse struct {
	ID            string `json:"id"`
	Currency      string `json:"currency"`
	PeriodSize    uint64 `json:"periodSize"`
	NumMaturities uint32 `json:"numMaturities"`
	RateAnchor    string `json:"rateAnchor"`
	RateScalar    string `json:"rateScalar"`
	FeeRateBps    uint64 `json:"feeRateBps"`
	MaxTradeSize  string `json:"maxTradeSize,omitempty"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	ids := s.market.Groups()
	groups := make([]groupResponse, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.market.Group(id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		resp := groupResponse{
			ID:            cfg.ID,
			Currency:      string(cfg.Currency),
			PeriodSize:    cfg.PeriodSize,
			NumMaturities: cfg.NumMaturities,
			RateAnchor:    formatAmount(cfg.RateAnchor),
			RateScalar:    formatAmount(cfg.RateScalar),
			FeeRateBps:    cfg.FeeRateBps,
		}
		if cfg.MaxTradeSize != nil {
			resp.MaxTradeSize = cfg.MaxTradeSize.String()
		}
		groups = append(groups, resp)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleActiveMaturities(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	maturities, err := s.market.GetActiveMaturities(group, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"group": group, "maturities": maturities})
}

type rateResponse struct {
	Maturity        uint64 `json:"maturity"`
	SpotRate        string `json:"spotRate"`
	LastImpliedRate string `json:"lastImpliedRate"`
}

func (s *Server) handleMarketRates(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	infos, err := s.market.GetMarketRates(group, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	rates := make([]rateResponse, 0, len(infos))
	for _, info := range infos {
		rates = append(rates, rateResponse{
			Maturity:        info.Maturity,
			SpotRate:        formatAmount(info.SpotRate),
			LastImpliedRate: formatAmount(info.LastImpliedRate),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"group": group, "rates": rates})
}

type poolResponse struct {
	Group           string `json:"group"`
	Maturity        uint64 `json:"maturity"`
	TotalFutureCash string `json:"totalFutureCash"`
	TotalCollateral string `json:"totalCollateral"`
	TotalLiquidity  string `json:"totalLiquidity"`
	LastImpliedRate string `json:"lastImpliedRate"`
	FeeRateBps      uint64 `json:"feeRateBps"`
	Settled         bool   `json:"settled"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	maturity, ok := s.maturityParam(w, r)
	if !ok {
		return
	}
	pool, err := s.market.Pool(group, maturity)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := poolResponse{Group: group, Maturity: maturity}
	if pool != nil {
		resp.TotalFutureCash = formatAmount(pool.TotalFutureCash)
		resp.TotalCollateral = formatAmount(pool.TotalCollateral)
		resp.TotalLiquidity = formatAmount(pool.TotalLiquidity)
		resp.LastImpliedRate = formatAmount(pool.LastImpliedRate)
		resp.FeeRateBps = pool.FeeRateBps
		resp.Settled = pool.Settled
	} else {
		resp.TotalFutureCash = "0"
		resp.TotalCollateral = "0"
		resp.TotalLiquidity = "0"
		resp.LastImpliedRate = "0"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleQuote prices a hypothetical trade. side=borrow quotes collateral out
// for a future-cash notional; side=lend quotes future cash for a collateral
// deposit. A zero amount in the response means the pool cannot absorb the
// trade.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	maturity, ok := s.maturityParam(w, r)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, r.URL.Query().Get("amount"), "amount")
	if !ok {
		return
	}
	side := r.URL.Query().Get("side")

	var quoted *big.Int
	var err error
	switch side {
	case "borrow":
		quoted, err = s.market.QuoteFutureCashToCollateral(group, maturity, amount, s.nowFunc())
	case "lend":
		quoted, err = s.market.QuoteCollateralToFutureCash(group, maturity, amount, s.nowFunc())
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("side must be borrow or lend"))
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"group":    group,
		"maturity": maturity,
		"side":     side,
		"amount":   formatAmount(amount),
		"quote":    formatAmount(quoted),
	})
}

type borrowRequest struct {
	Address        string `json:"address"`
	Group          string `json:"group"`
	Maturity       uint64 `json:"maturity"`
	FutureCash     string `json:"futureCash"`
	MaxImpliedRate string `json:"maxImpliedRate,omitempty"`
	Deadline       int64  `json:"deadline,omitempty"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	futureCash, ok := s.parseAmount(w, req.FutureCash, "futureCash")
	if !ok {
		return
	}
	maxRate, ok := s.parseOptionalAmount(w, req.MaxImpliedRate)
	if !ok {
		return
	}
	if err := s.checkTradeQuota(addr, futureCash); err != nil {
		s.writeError(w, http.StatusTooManyRequests, err)
		return
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = -1
	}
	collateral, err := s.market.TakeCollateral(addr, req.Group, req.Maturity, futureCash, maxRate, deadline, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("borrow executed", "address", addr.Hex(), "group", req.Group, "maturity", req.Maturity, "futureCash", futureCash.String())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"collateral": formatAmount(collateral),
		"futureCash": formatAmount(futureCash),
	})
}

type lendRequest struct {
	Address        string `json:"address"`
	Group          string `json:"group"`
	Maturity       uint64 `json:"maturity"`
	Collateral     string `json:"collateral"`
	MinImpliedRate string `json:"minImpliedRate,omitempty"`
	Deadline       int64  `json:"deadline,omitempty"`
}

func (s *Server) handleLend(w http.ResponseWriter, r *http.Request) {
	var req lendRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	collateral, ok := s.parseAmount(w, req.Collateral, "collateral")
	if !ok {
		return
	}
	minRate, ok := s.parseOptionalAmount(w, req.MinImpliedRate)
	if !ok {
		return
	}
	if err := s.checkTradeQuota(addr, collateral); err != nil {
		s.writeError(w, http.StatusTooManyRequests, err)
		return
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = -1
	}
	futureCash, err := s.market.TakeFutureCash(addr, req.Group, req.Maturity, collateral, minRate, deadline, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("lend executed", "address", addr.Hex(), "group", req.Group, "maturity", req.Maturity, "collateral", collateral.String())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"collateral": formatAmount(collateral),
		"futureCash": formatAmount(futureCash),
	})
}

type addLiquidityRequest struct {
	Address       string `json:"address"`
	Group         string `json:"group"`
	Maturity      uint64 `json:"maturity"`
	Collateral    string `json:"collateral"`
	FutureCash    string `json:"futureCash"`
	MinProportion string `json:"minProportion,omitempty"`
	MaxProportion string `json:"maxProportion,omitempty"`
	Deadline      int64  `json:"deadline,omitempty"`
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req addLiquidityRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	collateral, ok := s.parseAmount(w, req.Collateral, "collateral")
	if !ok {
		return
	}
	futureCash, ok := s.parseAmount(w, req.FutureCash, "futureCash")
	if !ok {
		return
	}
	minProportion, ok := s.parseOptionalAmount(w, req.MinProportion)
	if !ok {
		return
	}
	maxProportion, ok := s.parseOptionalAmount(w, req.MaxProportion)
	if !ok {
		return
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = -1
	}
	tokens, err := s.market.AddLiquidity(addr, req.Group, req.Maturity, collateral, futureCash, minProportion, maxProportion, deadline, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tokens": formatAmount(tokens)})
}

type removeLiquidityRequest struct {
	Address  string `json:"address"`
	Group    string `json:"group"`
	Maturity uint64 `json:"maturity"`
	Tokens   string `json:"tokens"`
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req removeLiquidityRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	tokens, ok := s.parseAmount(w, req.Tokens, "tokens")
	if !ok {
		return
	}
	collateral, futureCash, err := s.market.RemoveLiquidity(addr, req.Group, req.Maturity, tokens, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"collateral": formatAmount(collateral),
		"futureCash": formatAmount(futureCash),
	})
}

type balanceChangeRequest struct {
	Address  string `json:"address"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req balanceChangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	if err := s.balances.Deposit(addr, types.Currency(req.Currency), amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("deposit", "address", addr.Hex(), "currency", req.Currency, "amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req balanceChangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	if err := s.balances.Withdraw(addr, types.Currency(req.Currency), amount, s.nowFunc()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("withdraw", "address", addr.Hex(), "currency", req.Currency, "amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type settleCashRequest struct {
	Payer           string `json:"payer"`
	Receiver        string `json:"receiver"`
	Currency        string `json:"currency"`
	DepositCurrency string `json:"depositCurrency,omitempty"`
	Amount          string `json:"amount"`
}

func (s *Server) handleSettleCash(w http.ResponseWriter, r *http.Request) {
	var req settleCashRequest
	if !s.decode(w, r, &req) {
		return
	}
	payer, ok := s.parseAddress(w, req.Payer, "payer")
	if !ok {
		return
	}
	receiver, ok := s.parseAddress(w, req.Receiver, "receiver")
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	currency := types.Currency(req.Currency)
	depositCurrency := currency
	if req.DepositCurrency != "" {
		depositCurrency = types.Currency(req.DepositCurrency)
	}
	if err := s.balances.SettleCashBalanceWithDeposit(payer, receiver, currency, depositCurrency, amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("cash settled", "payer", payer.Hex(), "receiver", receiver.Hex(), "currency", req.Currency, "amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type assetResponse struct {
	Group    string `json:"group"`
	Maturity uint64 `json:"maturity"`
	Kind     string `json:"kind"`
	Notional string `json:"notional"`
}

func assetResponses(assets []portfolio.Asset) []assetResponse {
	out := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		out = append(out, assetResponse{
			Group:    asset.GroupID,
			Maturity: asset.Maturity,
			Kind:     asset.Kind.String(),
			Notional: formatAmount(asset.Notional),
		})
	}
	return out
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressParam(w, r)
	if !ok {
		return
	}
	assets, err := s.positions.GetAssets(addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"assets":  assetResponses(assets),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressParam(w, r)
	if !ok {
		return
	}
	currency := types.Currency(chi.URLParam(r, "currency"))
	cash, free, err := s.balances.Balances(addr, currency)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":  addr.Hex(),
		"currency": string(currency),
		"cash":     formatAmount(cash),
		"free":     formatAmount(free),
	})
}

func (s *Server) handleFreeCollateral(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressParam(w, r)
	if !ok {
		return
	}
	aggregate, nets, err := s.positions.ComputeFreeCollateral(addr, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	currencyNets := make(map[string]string, len(nets))
	for currency, net := range nets {
		currencyNets[string(currency)] = formatAmount(net)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":      addr.Hex(),
		"base":         string(s.positions.BaseCurrency()),
		"aggregate":    formatAmount(aggregate),
		"currencyNets": currencyNets,
	})
}

type settleRequest struct {
	Address string `json:"address"`
}

type outcomeResponse struct {
	Address       string            `json:"address"`
	FullySettled  bool              `json:"fullySettled"`
	Crystallized  []assetResponse   `json:"crystallized"`
	Residuals     map[string]string `json:"residuals,omitempty"`
	RaiseCashErrs map[string]string `json:"raiseCashErrors,omitempty"`
}

func (s *Server) outcomeResponse(outcome *settlement.AccountOutcome) outcomeResponse {
	resp := outcomeResponse{
		Address:      outcome.Address.Hex(),
		FullySettled: outcome.FullySettled(),
		Crystallized: assetResponses(outcome.Crystallized),
	}
	if len(outcome.Residuals) > 0 {
		resp.Residuals = make(map[string]string, len(outcome.Residuals))
		for currency, residual := range outcome.Residuals {
			resp.Residuals[string(currency)] = formatAmount(residual)
		}
	}
	if len(outcome.RaiseCashErrs) > 0 {
		resp.RaiseCashErrs = make(map[string]string, len(outcome.RaiseCashErrs))
		for currency, failure := range outcome.RaiseCashErrs {
			resp.RaiseCashErrs[string(currency)] = failure.Error()
		}
	}
	return resp
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, ok := s.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	outcome, err := s.settlement.SettleAccount(addr, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("account settled", "address", addr.Hex(), "fullySettled", outcome.FullySettled())
	s.writeJSON(w, http.StatusOK, s.outcomeResponse(outcome))
}

type settleBatchRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleSettleBatch(w http.ResponseWriter, r *http.Request) {
	var req settleBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Addresses) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("addresses is required"))
		return
	}
	addrs := make([]types.Address, 0, len(req.Addresses))
	for _, raw := range req.Addresses {
		addr, ok := s.parseAddress(w, raw, "addresses")
		if !ok {
			return
		}
		addrs = append(addrs, addr)
	}
	result, err := s.settlement.SettleAccountBatch(addrs, s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	outcomes := make([]outcomeResponse, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		outcomes = append(outcomes, s.outcomeResponse(outcome))
	}
	failures := make(map[string]string, len(result.Failures))
	for addrHex, failure := range result.Failures {
		failures[addrHex] = failure.Error()
	}
	s.log.Info("batch settled", "batch", result.BatchID, "settled", len(outcomes), "failed", len(failures))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batchId":  result.BatchID,
		"outcomes": outcomes,
		"failures": failures,
	})
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Debtor     string `json:"debtor"`
	Currency   string `json:"currency"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	liquidator, ok := s.parseAddress(w, req.Liquidator, "liquidator")
	if !ok {
		return
	}
	debtor, ok := s.parseAddress(w, req.Debtor, "debtor")
	if !ok {
		return
	}
	purchased, err := s.settlement.Liquidate(liquidator, debtor, types.Currency(req.Currency), s.nowFunc())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("liquidation", "liquidator", liquidator.Hex(), "debtor", debtor.Hex(), "currency", req.Currency, "purchased", formatAmount(purchased))
	s.writeJSON(w, http.StatusOK, map[string]any{"purchased": formatAmount(purchased)})
}
