package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lendbridge/native/oracle"
)

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Module) == "" {
		s.writeError(w, r, fmt.Errorf("%w: module required", errBadRequest))
		return
	}
	if err := s.runtime.Controller.SetPaused(caller, req.Module, req.Paused); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": s.runtime.Controller.PausedModules()})
}

type healthFactorsRequest struct {
	Min    string `json:"min"`
	Target string `json:"target"`
}

func (s *Server) handleHealthFactors(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	var req healthFactorsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	minHF, err := parseDecimal("min", req.Min)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	targetHF, err := parseDecimal("target", req.Target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.runtime.Controller.SetHealthFactors(caller, minHF, targetHF); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"min":    s.runtime.Controller.MinHealthFactor().String(),
		"target": s.runtime.Controller.TargetHealthFactor().String(),
	})
}

type mintRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := s.parseAsset("asset", req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.runtime.Registry.Exclusive(r.Context(), func() error {
		return s.runtime.Ledger.Mint(asset, to, amount)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, asset, to)
}

type transferRequest struct {
	Asset  string `json:"asset"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// handleTransfer moves tokens between arbitrary accounts, standing in for
// the user and orchestrator wallets that fund position custody.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := s.parseAsset("asset", req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := parseAddress("from", req.From)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.runtime.Registry.Exclusive(r.Context(), func() error {
		return s.runtime.Ledger.Transfer(r.Context(), asset, from, to, amount)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, asset, to)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, asset, holder common.Address) {
	bal, err := s.runtime.Ledger.BalanceOf(r.Context(), asset, holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":   asset.Hex(),
		"holder":  holder.Hex(),
		"balance": bal.String(),
	})
}

type priceRequest struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := s.parseAsset("asset", req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.runtime.Feed.SetDecimal(asset, req.Price); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	price, err := s.runtime.Oracle.Price(r.Context(), asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "price": price.String()})
}

type skipBlocksRequest struct {
	Converter string `json:"converter"`
	Blocks    uint64 `json:"blocks"`
}

func (s *Server) handleSkipBlocks(w http.ResponseWriter, r *http.Request) {
	var req skipBlocksRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	converter, err := parseAddress("converter", req.Converter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	comet, ok := s.runtime.Market(converter)
	if !ok {
		s.writeError(w, r, errSandboxOnly)
		return
	}
	err = s.runtime.Registry.Exclusive(r.Context(), func() error {
		comet.SkipBlocks(req.Blocks)
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"block": comet.BlockNumber()})
}

type absorbRequest struct {
	Converter string `json:"converter"`
	Account   string `json:"account"`
}

// handleAbsorb lets governance liquidate an underwater account in full, as a
// third party liquidator would on a live market.
func (s *Server) handleAbsorb(w http.ResponseWriter, r *http.Request) {
	var req absorbRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	converter, err := parseAddress("converter", req.Converter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	comet, ok := s.runtime.Market(converter)
	if !ok {
		s.writeError(w, r, errSandboxOnly)
		return
	}
	err = s.runtime.Registry.Exclusive(r.Context(), func() error {
		return comet.Absorb(r.Context(), account)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "status": "absorbed"})
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", errBadRequest, field)
	}
	return common.HexToAddress(trimmed), nil
}

// parseAsset accepts a registered symbol or a hex address.
func (s *Server) parseAsset(field, value string) (common.Address, error) {
	if asset, ok := s.runtime.Assets[strings.ToUpper(strings.TrimSpace(value))]; ok {
		return asset.Address, nil
	}
	return parseAddress(field, value)
}

// parseAmount parses a non-negative integer amount in base units.
func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, field)
	}
	return amount, nil
}

func parseDecimal(field, value string) (*big.Int, error) {
	v, err := oracle.ParseDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}
