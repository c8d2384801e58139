package otc

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"p2potc/crypto"
)

// RegisterPaymentInfo stores caller's fiat payment details, replacing any
// previous record.
func (e *Engine) RegisterPaymentInfo(caller crypto.Address, info PaymentInfo) (*PaymentInfo, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	normalized := &PaymentInfo{
		Method: norm.NFC.String(strings.TrimSpace(info.Method)),
		Detail: norm.NFC.String(strings.TrimSpace(info.Detail)),
	}
	if normalized.Method == "" || normalized.Detail == "" {
		return nil, fmt.Errorf("%w: method and detail required", ErrInvalidPaymentInfo)
	}
	if err := e.state.PaymentInfoPut(caller, normalized); err != nil {
		return nil, err
	}
	e.emit(Event{Type: EventTypePaymentInfoRegistered, Attrs: map[string]string{
		"address": caller.String(),
		"method":  normalized.Method,
	}})
	return normalized, nil
}

func (e *Engine) requireAdmin(caller crypto.Address) (*Config, error) {
	if err := e.ready(ModuleAdmin); err != nil {
		return nil, err
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if !cfg.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	return cfg, nil
}

// requireGovernance applies the governance gate followed by the admin gate.
func (e *Engine) requireGovernance(caller crypto.Address) (*Config, error) {
	if err := e.ready(ModuleAdmin); err != nil {
		return nil, err
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if cfg.Governance != nil && *cfg.Governance != caller {
		return nil, ErrNotGovernanceSender
	}
	if !cfg.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	return cfg, nil
}

// UpdateConfig replaces the supplied config fields. Admin only.
func (e *Engine) UpdateConfig(caller crypto.Address, update ConfigUpdate) (*Config, error) {
	cfg, err := e.requireAdmin(caller)
	if err != nil {
		return nil, err
	}
	if update.Admins != nil {
		if len(update.Admins) == 0 {
			return nil, fmt.Errorf("%w: at least one admin required", ErrInvalidConfig)
		}
		cfg.Admins = dedupeAddresses(update.Admins)
	}
	if update.CommissionBps != nil {
		if err := validateCommission(*update.CommissionBps); err != nil {
			return nil, err
		}
		cfg.CommissionBps = *update.CommissionBps
	}
	if update.AuthService != nil {
		cfg.AuthService = strings.TrimSpace(*update.AuthService)
	}
	if update.Governance != nil {
		gov := *update.Governance
		cfg.Governance = &gov
	}
	if err := e.state.ConfigPut(cfg); err != nil {
		return nil, err
	}
	e.emit(Event{Type: EventTypeConfigUpdated, Attrs: map[string]string{
		"admins":        strconv.Itoa(len(cfg.Admins)),
		"commissionBps": strconv.FormatUint(uint64(cfg.CommissionBps), 10),
	}})
	return cfg.Clone(), nil
}

// UpdateAssets replaces the three accepted asset identities.
func (e *Engine) UpdateAssets(caller crypto.Address, assets [3]string) (*Config, error) {
	cfg, err := e.requireGovernance(caller)
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeAssets(assets)
	if err != nil {
		return nil, err
	}
	cfg.Assets = normalized
	if err := e.state.ConfigPut(cfg); err != nil {
		return nil, err
	}
	e.emit(Event{Type: EventTypeAssetsUpdated, Attrs: map[string]string{
		"assets": strings.Join(normalized[:], ","),
	}})
	return cfg.Clone(), nil
}

// AddModerator adds addr to the moderator set. Adding an existing moderator
// is a no-op.
func (e *Engine) AddModerator(caller, addr crypto.Address) ([]crypto.Address, error) {
	if _, err := e.requireGovernance(caller); err != nil {
		return nil, err
	}
	mods, err := e.state.ModeratorsGet()
	if err != nil {
		return nil, err
	}
	if containsAddress(mods, addr) {
		return mods, nil
	}
	mods = append(mods, addr)
	if err := e.state.ModeratorsPut(mods); err != nil {
		return nil, err
	}
	e.emit(newAddressEvent(EventTypeModeratorAdded, addr))
	return mods, nil
}

// RemoveModerator drops addr from the moderator set.
func (e *Engine) RemoveModerator(caller, addr crypto.Address) ([]crypto.Address, error) {
	if _, err := e.requireGovernance(caller); err != nil {
		return nil, err
	}
	mods, err := e.state.ModeratorsGet()
	if err != nil {
		return nil, err
	}
	kept := make([]crypto.Address, 0, len(mods))
	for _, m := range mods {
		if m != addr {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(mods) {
		return mods, nil
	}
	if err := e.state.ModeratorsPut(kept); err != nil {
		return nil, err
	}
	e.emit(newAddressEvent(EventTypeModeratorRemoved, addr))
	return kept, nil
}

// ForceWithdraw pays the full deal amount to the calling admin and drops the
// deal without archiving it or charging commission. The depositing side's
// flag must be set.
func (e *Engine) ForceWithdraw(caller crypto.Address, dealID uint64) (*Deal, []TransferIntent, error) {
	if _, err := e.requireAdmin(caller); err != nil {
		return nil, nil, err
	}
	deal, err := e.loadDeal(dealID)
	if err != nil {
		return nil, nil, err
	}
	funded := deal.DealerDeposit
	if deal.DealerBuy {
		funded = deal.CustomerDeposit
	}
	if !funded {
		return nil, nil, ErrNothingToWithdraw
	}
	if err := e.state.DealDelete(deal.ID); err != nil {
		return nil, nil, err
	}
	intents := []TransferIntent{{
		ID:        fmt.Sprintf("deal-%d-%s", deal.ID, TransferReasonForceWithdraw),
		Asset:     deal.Asset,
		Recipient: caller,
		Amount:    cloneAmount(deal.Amount),
		Reason:    TransferReasonForceWithdraw,
		PostID:    deal.PostID,
		DealID:    deal.ID,
	}}
	evt := newDealEvent(EventTypeDealForceWithdrawn, deal)
	evt.Attrs["admin"] = caller.String()
	e.emit(evt)
	return deal, intents, nil
}

// DeleteDeal removes a deal record without any payout.
func (e *Engine) DeleteDeal(caller crypto.Address, dealID uint64) (*Deal, error) {
	if _, err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	deal, err := e.loadDeal(dealID)
	if err != nil {
		return nil, err
	}
	if err := e.state.DealDelete(deal.ID); err != nil {
		return nil, err
	}
	evt := newDealEvent(EventTypeDealDeleted, deal)
	evt.Attrs["admin"] = caller.String()
	e.emit(evt)
	return deal, nil
}

// SweepRevenue pays all accrued commission in the first configured asset to
// the calling admin and resets the ledger.
func (e *Engine) SweepRevenue(caller crypto.Address) (*big.Int, []TransferIntent, error) {
	cfg, err := e.requireAdmin(caller)
	if err != nil {
		return nil, nil, err
	}
	revenue, err := e.state.RevenueGet()
	if err != nil {
		return nil, nil, err
	}
	if revenue.Sign() == 0 {
		return revenue, nil, nil
	}
	seq, err := e.state.NextSweepID()
	if err != nil {
		return nil, nil, err
	}
	if err := e.state.RevenuePut(big.NewInt(0)); err != nil {
		return nil, nil, err
	}
	intents := []TransferIntent{{
		ID:        fmt.Sprintf("revenue-sweep-%d", seq),
		Asset:     cfg.Assets[0],
		Recipient: caller,
		Amount:    new(big.Int).Set(revenue),
		Reason:    TransferReasonRevenueSweep,
	}}
	e.emit(Event{Type: EventTypeRevenueSwept, Attrs: map[string]string{
		"admin":  caller.String(),
		"amount": revenue.String(),
		"asset":  cfg.Assets[0],
	}})
	return revenue, intents, nil
}
