package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"p2potc/crypto"
	"p2potc/native/otc"
)

type createPostRequest struct {
	DealerBuy bool   `json:"dealerBuy"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	MinAmount string `json:"minAmount"`
	Currency  string `json:"currency"`
	Price     string `json:"price"`
}

// CreatePost opens a post for the authenticated dealer.
func (s *Server) CreatePost(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minAmount, err := parseAmount(req.MinAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": otc.ErrInvalidPrice.Error()})
		return
	}
	post, err := s.svc.CreatePost(r.Context(), caller, otc.PostParams{
		DealerBuy: req.DealerBuy,
		Asset:     req.Asset,
		Amount:    amount,
		MinAmount: minAmount,
		Currency:  req.Currency,
		Price:     price,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, post)
}

func (s *Server) CancelPost(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	post, err := s.svc.CancelPost(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

// EnterDeal opens a deal against the post named in the path.
func (s *Server) EnterDeal(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deal, err := s.svc.EnterDeal(r.Context(), caller, id, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, deal)
}

type dealCommand func(r *http.Request, caller crypto.Address, dealID uint64) (*otc.Deal, error)

func (s *Server) handleDealCommand(w http.ResponseWriter, r *http.Request, fn dealCommand) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	deal, err := fn(r, caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) ConfirmBankTransfer(w http.ResponseWriter, r *http.Request) {
	s.handleDealCommand(w, r, func(r *http.Request, caller crypto.Address, id uint64) (*otc.Deal, error) {
		return s.svc.ConfirmBankTransfer(r.Context(), caller, id)
	})
}

func (s *Server) DisputeDeal(w http.ResponseWriter, r *http.Request) {
	s.handleDealCommand(w, r, func(r *http.Request, caller crypto.Address, id uint64) (*otc.Deal, error) {
		return s.svc.DisputeDeal(r.Context(), caller, id)
	})
}

func (s *Server) ResolveDeal(w http.ResponseWriter, r *http.Request) {
	s.handleDealCommand(w, r, func(r *http.Request, caller crypto.Address, id uint64) (*otc.Deal, error) {
		return s.svc.ResolveDeal(r.Context(), caller, id)
	})
}

func (s *Server) CancelDeal(w http.ResponseWriter, r *http.Request) {
	s.handleDealCommand(w, r, func(r *http.Request, caller crypto.Address, id uint64) (*otc.Deal, error) {
		return s.svc.CancelDeal(r.Context(), caller, id)
	})
}

// RegisterPaymentInfo stores the caller's fiat payment details.
func (s *Server) RegisterPaymentInfo(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var info otc.PaymentInfo
	if err := decodeJSON(r, &info); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	stored, err := s.svc.RegisterPaymentInfo(r.Context(), caller, info)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

type configUpdateRequest struct {
	Admins        []crypto.Address `json:"admins,omitempty"`
	CommissionBps *uint32          `json:"commissionBps,omitempty"`
	AuthService   *string          `json:"authService,omitempty"`
	Governance    *crypto.Address  `json:"governance,omitempty"`
}

func (s *Server) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req configUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	cfg, err := s.svc.UpdateConfig(r.Context(), caller, otc.ConfigUpdate{
		Admins:        req.Admins,
		CommissionBps: req.CommissionBps,
		AuthService:   req.AuthService,
		Governance:    req.Governance,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) UpdateAssets(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req struct {
		Assets [3]string `json:"assets"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	cfg, err := s.svc.UpdateAssets(r.Context(), caller, req.Assets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) AddModerator(w http.ResponseWriter, r *http.Request) {
	s.handleModerator(w, r, true)
}

func (s *Server) RemoveModerator(w http.ResponseWriter, r *http.Request) {
	s.handleModerator(w, r, false)
}

func (s *Server) handleModerator(w http.ResponseWriter, r *http.Request, add bool) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	moderator, err := crypto.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var mods []crypto.Address
	if add {
		mods, err = s.svc.AddModerator(r.Context(), caller, moderator)
	} else {
		mods, err = s.svc.RemoveModerator(r.Context(), caller, moderator)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"moderators": mods})
}

func (s *Server) ForceWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleDealCommand(w, r, func(r *http.Request, caller crypto.Address, id uint64) (*otc.Deal, error) {
		return s.svc.ForceWithdraw(r.Context(), caller, id)
	})
}

func (s *Server) DeleteDeal(w http.ResponseWriter, r *http.Request) {
	s.handleDealCommand(w, r, func(r *http.Request, caller crypto.Address, id uint64) (*otc.Deal, error) {
		return s.svc.DeleteDeal(r.Context(), caller, id)
	})
}

func (s *Server) SweepRevenue(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	swept, err := s.svc.SweepRevenue(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"swept": swept.String()})
}

// ExportArchive writes the archived deals to the configured export directory.
func (s *Server) ExportArchive(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if s.exportDir == "" {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "export directory not configured"})
		return
	}
	res, err := s.svc.ExportArchive(r.Context(), caller, s.exportDir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"csv":     res.CSVPath,
		"parquet": res.ParquetPath,
		"rows":    res.Rows,
	})
}

func (s *Server) PausePayouts(w http.ResponseWriter, r *http.Request) {
	s.togglePayouts(w, r, true)
}

func (s *Server) ResumePayouts(w http.ResponseWriter, r *http.Request) {
	s.togglePayouts(w, r, false)
}

func (s *Server) togglePayouts(w http.ResponseWriter, r *http.Request, pause bool) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := s.svc.RequireAdmin(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if pause {
		s.payouts.Pause()
	} else {
		s.payouts.Resume()
	}
	s.writeJSON(w, http.StatusOK, s.payouts.Status())
}
