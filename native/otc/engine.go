package otc

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"p2potc/core/events"
	"p2potc/crypto"
	nativecommon "p2potc/native/common"
)

const (
	ModulePost  = "otc.post"
	ModuleDeal  = "otc.deal"
	ModuleAdmin = "otc.admin"
)

// Engine applies the Post/Deal escrow rules to a State. It performs no I/O
// besides State calls; value movements are returned as TransferIntents.
type Engine struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView
	windows Windows
}

// NewEngine constructs an engine with the standard expiry windows.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		windows: DefaultWindows(),
	}
}

// SetState configures the state backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetWindows overrides the expiry windows. Zero fields keep their defaults.
func (e *Engine) SetWindows(w Windows) { e.windows = w.withDefaults() }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready(module string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return nativecommon.Guard(e.pauses, module)
}

// Init stores the initial configuration. Moderators start as the admin set
// and revenue starts at zero.
func (e *Engine) Init(cfg Config) (*Config, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if _, ok, err := e.state.ConfigGet(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyInitialized
	}
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.state.ConfigPut(normalized); err != nil {
		return nil, err
	}
	if err := e.state.ModeratorsPut(append([]crypto.Address(nil), normalized.Admins...)); err != nil {
		return nil, err
	}
	if err := e.state.RevenuePut(big.NewInt(0)); err != nil {
		return nil, err
	}
	return normalized.Clone(), nil
}

func (e *Engine) config() (*Config, error) {
	cfg, ok, err := e.state.ConfigGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

func (e *Engine) requirePaymentInfo(addr crypto.Address) error {
	_, ok, err := e.state.PaymentInfoGet(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMissingPaymentInfo
	}
	return nil
}

func (e *Engine) loadPost(id uint64) (*Post, error) {
	post, ok, err := e.state.PostGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, noMatchingPost(id)
	}
	return post, nil
}

func (e *Engine) loadDeal(id uint64) (*Deal, error) {
	deal, ok, err := e.state.DealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, noMatchingDeal(id)
	}
	return deal, nil
}

func normalizeConfig(cfg Config) (*Config, error) {
	out := cfg.Clone()
	if len(out.Admins) == 0 {
		return nil, fmt.Errorf("%w: at least one admin required", ErrInvalidConfig)
	}
	out.Admins = dedupeAddresses(out.Admins)
	if err := validateCommission(out.CommissionBps); err != nil {
		return nil, err
	}
	assets, err := normalizeAssets(out.Assets)
	if err != nil {
		return nil, err
	}
	out.Assets = assets
	out.AuthService = strings.TrimSpace(out.AuthService)
	return out, nil
}

func normalizeAssets(in [3]string) ([3]string, error) {
	var out [3]string
	for i, raw := range in {
		asset, err := NormalizeAsset(raw)
		if err != nil {
			return out, err
		}
		out[i] = asset
	}
	return out, nil
}

func dedupeAddresses(in []crypto.Address) []crypto.Address {
	out := make([]crypto.Address, 0, len(in))
	for _, addr := range in {
		if !containsAddress(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}
