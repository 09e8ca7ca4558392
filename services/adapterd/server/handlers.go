package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendbridge/native/platform"
	"lendbridge/native/pooladapter"
	"lendbridge/native/registry"
	"lendbridge/observability"
	telemetry "lendbridge/observability/otel"
	"lendbridge/services/adapterd/journal"
)

type statusView struct {
	Position                   string `json:"position"`
	Converter                  string `json:"converter"`
	User                       string `json:"user"`
	CollateralAsset            string `json:"collateral_asset"`
	BorrowAsset                string `json:"borrow_asset"`
	CollateralAmount           string `json:"collateral_amount"`
	AmountToPay                string `json:"amount_to_pay"`
	HealthFactor               string `json:"health_factor"`
	CollateralAmountLiquidated string `json:"collateral_amount_liquidated"`
	Opened                     bool   `json:"opened"`
	DebtGapRequired            bool   `json:"debt_gap_required"`
}

func newStatusView(handle *registry.Handle, status pooladapter.Status) statusView {
	key := handle.Key()
	return statusView{
		Position:                   handle.Address().Hex(),
		Converter:                  key.Converter.Hex(),
		User:                       key.User.Hex(),
		CollateralAsset:            key.CollateralAsset.Hex(),
		BorrowAsset:                key.BorrowAsset.Hex(),
		CollateralAmount:           bigString(status.CollateralAmount),
		AmountToPay:                bigString(status.AmountToPay),
		HealthFactor:               bigString(status.HealthFactor),
		CollateralAmountLiquidated: bigString(status.CollateralAmountLiquidated),
		Opened:                     status.Opened,
		DebtGapRequired:            status.DebtGapRequired,
	}
}

type operationResponse struct {
	Operation string      `json:"operation"`
	Result    any         `json:"result,omitempty"`
	Status    *statusView `json:"status,omitempty"`
}

type registerRequest struct {
	Converter       string `json:"converter"`
	User            string `json:"user"`
	CollateralAsset string `json:"collateral_asset"`
	BorrowAsset     string `json:"borrow_asset"`
}

type registerResponse struct {
	Position  string `json:"position"`
	Created   bool   `json:"created"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	if caller != s.runtime.Controller.Orchestrator() {
		s.writeError(w, r, fmt.Errorf("%w: only the orchestrator registers positions", errForbidden))
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var key registry.Key
	var err error
	if key.Converter, err = parseAddress("converter", req.Converter); err == nil {
		if key.User, err = parseAddress("user", req.User); err == nil {
			if key.CollateralAsset, err = s.parseAsset("collateral_asset", req.CollateralAsset); err == nil {
				key.BorrowAsset, err = s.parseAsset("borrow_asset", req.BorrowAsset)
			}
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handle, created, err := s.runtime.Registry.GetOrCreate(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.PoolAdapter().SetPositions(s.runtime.Registry.Loaded())
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Info("position registered",
			slog.String("position", handle.Address().Hex()),
			slog.String("converter", key.Converter.Hex()))
	}
	writeJSON(w, status, registerResponse{
		Position:  handle.Address().Hex(),
		Created:   created,
		CreatedAt: handle.CreatedAt().Format("2006-01-02T15:04:05Z"),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	keys, err := s.runtime.Registry.ListByUser(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]registerRequest, 0, len(keys))
	for _, key := range keys {
		out = append(out, registerRequest{
			Converter:       key.Converter.Hex(),
			User:            key.User.Hex(),
			CollateralAsset: key.CollateralAsset.Hex(),
			BorrowAsset:     key.BorrowAsset.Hex(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.runtime.Registry.Root()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"root":   root.Hex(),
		"loaded": s.runtime.Registry.Loaded(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var status pooladapter.Status
	err = handle.View(r.Context(), func(p *pooladapter.Position) error {
		var err error
		status, err = p.GetStatus(r.Context())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(handle, status))
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	handle, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"operations": []journal.OperationRecord{}})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit", errBadRequest))
			return
		}
	}
	records, err := s.journal.ListByPosition(r.Context(), handle.Address().Hex(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": records})
}

type borrowRequest struct {
	CollateralAmount string `json:"collateral_amount"`
	BorrowAmount     string `json:"borrow_amount"`
	Receiver         string `json:"receiver"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := parseAmount("collateral_amount", req.CollateralAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("borrow_amount", req.BorrowAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := parseAddress("receiver", req.Receiver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runOperation(w, r, "borrow", req, amount, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		return nil, p.Borrow(ctx, caller, collateral, amount, receiver)
	})
}

type repayRequest struct {
	// Amount is optional; empty repays the live debt in full.
	Amount            string `json:"amount,omitempty"`
	Receiver          string `json:"receiver"`
	ClosePosition     bool   `json:"close_position"`
	ReleaseCollateral bool   `json:"release_collateral"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params := pooladapter.RepayParams{ClosePosition: req.ClosePosition, ReleaseCollateral: req.ReleaseCollateral}
	var err error
	if strings.TrimSpace(req.Amount) != "" {
		if params.Amount, err = parseAmount("amount", req.Amount); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if params.Receiver, err = parseAddress("receiver", req.Receiver); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runOperation(w, r, "repay", req, nil, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		released, err := p.Repay(ctx, caller, params)
		if err != nil {
			return nil, err
		}
		return map[string]string{"collateral_released": bigString(released)}, nil
	})
}

type borrowToRebalanceRequest struct {
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
}

func (s *Server) handleBorrowToRebalance(w http.ResponseWriter, r *http.Request) {
	var req borrowToRebalanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := parseAddress("receiver", req.Receiver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runOperation(w, r, "borrow_to_rebalance", req, amount, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		hf, err := p.BorrowToRebalance(ctx, caller, amount, receiver)
		if err != nil {
			return nil, err
		}
		return map[string]string{"health_factor": bigString(hf)}, nil
	})
}

type repayToRebalanceRequest struct {
	Amount             string `json:"amount"`
	UseCollateralAsset bool   `json:"use_collateral_asset"`
}

func (s *Server) handleRepayToRebalance(w http.ResponseWriter, r *http.Request) {
	var req repayToRebalanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runOperation(w, r, "repay_to_rebalance", req, nil, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		hf, err := p.RepayToRebalance(ctx, caller, amount, req.UseCollateralAsset)
		if err != nil {
			return nil, err
		}
		return map[string]string{"health_factor": bigString(hf)}, nil
	})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	s.runOperation(w, r, "update_status", nil, nil, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		_, err := p.UpdateStatus(ctx, caller)
		return nil, err
	})
}

type salvageRequest struct {
	Receiver string `json:"receiver"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

func (s *Server) handleSalvage(w http.ResponseWriter, r *http.Request) {
	var req salvageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := parseAddress("receiver", req.Receiver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := s.parseAsset("asset", req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runOperation(w, r, "salvage", req, nil, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		return nil, p.Salvage(ctx, caller, receiver, asset, amount)
	})
}

type claimRewardsRequest struct {
	Receiver string `json:"receiver"`
}

func (s *Server) handleClaimRewards(w http.ResponseWriter, r *http.Request) {
	var req claimRewardsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := parseAddress("receiver", req.Receiver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runOperation(w, r, "claim_rewards", req, nil, func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error) {
		asset, amount, err := p.ClaimRewards(ctx, caller, receiver)
		if err != nil {
			return nil, err
		}
		out := map[string]string{"amount": bigString(amount)}
		if asset != (common.Address{}) {
			out["asset"] = asset.Hex()
		}
		return out, nil
	})
}

type planRequest struct {
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount string `json:"collateral_amount"`
	BorrowAsset      string `json:"borrow_asset"`
	// HealthFactor is an optional decimal such as "1.5"; empty uses the
	// controller target.
	HealthFactor string `json:"health_factor,omitempty"`
}

type planResponse struct {
	Converter            string `json:"converter"`
	CollateralAmount     string `json:"collateral_amount"`
	AmountToBorrow       string `json:"amount_to_borrow"`
	MaxAmountToBorrow    string `json:"max_amount_to_borrow"`
	LTV                  string `json:"ltv"`
	LiquidationThreshold string `json:"liquidation_threshold"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var preq platform.Request
	var err error
	if preq.CollateralAsset, err = s.parseAsset("collateral_asset", req.CollateralAsset); err != nil {
		s.writeError(w, r, err)
		return
	}
	if preq.BorrowAsset, err = s.parseAsset("borrow_asset", req.BorrowAsset); err != nil {
		s.writeError(w, r, err)
		return
	}
	if preq.CollateralAmount, err = parseAmount("collateral_amount", req.CollateralAmount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.HealthFactor) != "" {
		if preq.HealthFactor, err = parseDecimal("health_factor", req.HealthFactor); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	plan, err := platform.FindBestPlan(r.Context(), s.runtime.Adapters(), preq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		Converter:            plan.Converter.Hex(),
		CollateralAmount:     bigString(plan.CollateralAmount),
		AmountToBorrow:       bigString(plan.AmountToBorrow),
		MaxAmountToBorrow:    bigString(plan.MaxAmountToBorrow),
		LTV:                  bigString(plan.LTV),
		LiquidationThreshold: bigString(plan.LiquidationThreshold),
	})
}

type positionOp func(ctx context.Context, caller common.Address, p *pooladapter.Position) (any, error)

// runOperation executes one mutating call on the position named in the URL.
// It charges the caller's quota, traces and times the call, refreshes the
// position metrics and journals the outcome. volume, in base units of the
// borrow asset, counts against the volume quota.
func (s *Server) runOperation(w http.ResponseWriter, r *http.Request, op string, req any, volume *big.Int, fn positionOp) {
	caller, _ := callerFromContext(r.Context())
	handle, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := handle.Key()
	if err := s.limits.charge(caller, s.wholeUnits(r.Context(), key.BorrowAsset, volume)); err != nil {
		observability.ModuleMetrics().RecordThrottle(metricsModule, "quota_exceeded")
		s.writeError(w, r, err)
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "pooladapter."+op, trace.WithAttributes(
		attribute.String("position", handle.Address().Hex()),
		attribute.String("caller", caller.Hex()),
	))
	defer span.End()

	start := s.now()
	var (
		result    any
		status    pooladapter.Status
		statusErr error
	)
	err = handle.Do(ctx, func(p *pooladapter.Position) error {
		res, err := fn(ctx, caller, p)
		if err != nil {
			return err
		}
		result = res
		status, statusErr = p.GetStatus(ctx)
		return nil
	})
	_, code := httpStatus(err)
	observability.PoolAdapter().Observe(op, s.now().Sub(start), code, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	s.journalOperation(ctx, r, op, handle, caller, req, result, err, code)
	if err != nil {
		s.logger.Debug("position operation failed",
			slog.String("operation", op),
			slog.String("position", handle.Address().Hex()),
			slog.String("code", code),
			slog.String("error", err.Error()))
		s.writeError(w, r, err)
		return
	}

	resp := operationResponse{Operation: op, Result: result}
	if statusErr == nil {
		view := newStatusView(handle, status)
		resp.Status = &view
		s.recordStatus(ctx, op, key, handle, status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recordStatus(ctx context.Context, op string, key registry.Key, handle *registry.Handle, status pooladapter.Status) {
	asset, err := s.runtime.Ledger.Asset(key.CollateralAsset)
	if err != nil {
		return
	}
	observability.PoolAdapter().RecordStatus(handle.Address().Hex(), asset.Symbol,
		status.HealthFactor, pooladapter.MaxHealthFactor, status.CollateralAmountLiquidated, asset.Decimals)
	events := observability.Events()
	switch {
	case op == "borrow":
		events.RecordPosition("opened", asset.Symbol)
	case op == "repay" && !status.Opened:
		events.RecordPosition("closed", asset.Symbol)
	case op == "update_status" && status.CollateralAmountLiquidated != nil && status.CollateralAmountLiquidated.Sign() > 0:
		events.RecordPosition("liquidated", asset.Symbol)
	}
}

func (s *Server) journalOperation(ctx context.Context, r *http.Request, op string, handle *registry.Handle, caller common.Address, req, result any, opErr error, code string) {
	if s.journal == nil {
		return
	}
	rec := &journal.OperationRecord{
		RequestID: chimw.GetReqID(r.Context()),
		Operation: op,
		Position:  handle.Address().Hex(),
		Caller:    caller.Hex(),
		Request:   marshalString(req),
		Result:    marshalString(result),
		Outcome:   journal.OutcomeSuccess,
	}
	if opErr != nil {
		rec.Outcome = journal.OutcomeFailure
		rec.Code = code
		rec.Error = opErr.Error()
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("journal write failed", slog.String("operation", op), slog.String("error", err.Error()))
	}
}

func (s *Server) lookup(r *http.Request) (*registry.Handle, error) {
	addr, err := parseAddress("position", chi.URLParam(r, "address"))
	if err != nil {
		return nil, err
	}
	return s.runtime.Registry.LookupAddress(addr)
}

// wholeUnits converts amount to whole tokens, saturating at MaxUint64.
func (s *Server) wholeUnits(ctx context.Context, asset common.Address, amount *big.Int) uint64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	decimals, err := s.runtime.Ledger.Decimals(ctx, asset)
	if err != nil {
		return 0
	}
	units := new(big.Int).Quo(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	if !units.IsUint64() {
		return ^uint64(0)
	}
	return units.Uint64()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", errBadRequest, err)
	}
	return nil
}

func marshalString(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
