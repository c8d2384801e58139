package otc

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"p2potc/core/events"
	"p2potc/crypto"
	nativecommon "p2potc/native/common"
	"p2potc/storage"
)

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) seen(eventType string) bool {
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			return true
		}
	}
	return false
}

type otcEnv struct {
	engine    *Engine
	state     *KVState
	emitter   *capturingEmitter
	now       int64
	admin     crypto.Address
	dealer    crypto.Address
	customer  crypto.Address
	outsider  crypto.Address
	moderator crypto.Address
}

func newTestAddress(seed byte) crypto.Address {
	var addr crypto.Address
	for i := range addr {
		addr[i] = seed
	}
	return addr
}

func setupOTCEnvironment(t *testing.T) *otcEnv {
	t.Helper()
	env := &otcEnv{
		now:       1_000,
		admin:     newTestAddress(0xA1),
		dealer:    newTestAddress(0x01),
		customer:  newTestAddress(0x02),
		outsider:  newTestAddress(0x0F),
		moderator: newTestAddress(0xB2),
	}
	env.state = NewKVState(storage.NewMemDB())
	env.emitter = &capturingEmitter{}
	env.engine = NewEngine()
	env.engine.SetState(env.state)
	env.engine.SetEmitter(env.emitter)
	env.engine.SetNowFunc(func() int64 { return env.now })
	_, err := env.engine.Init(Config{
		Admins:        []crypto.Address{env.admin},
		CommissionBps: 100,
		Assets:        [3]string{"usdt", "USDC", "DAI"},
		AuthService:   "https://auth.example",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, addr := range []crypto.Address{env.dealer, env.customer} {
		if _, err := env.engine.RegisterPaymentInfo(addr, PaymentInfo{Method: "bank", Detail: "acct " + addr.String()}); err != nil {
			t.Fatalf("register payment info: %v", err)
		}
	}
	return env
}

func (env *otcEnv) createPost(t *testing.T, dealerBuy bool, amount, min int64) *Post {
	t.Helper()
	post, err := env.engine.CreatePost(env.dealer, PostParams{
		DealerBuy: dealerBuy,
		Asset:     "USDT",
		Amount:    big.NewInt(amount),
		MinAmount: big.NewInt(min),
		Currency:  "vnd",
		Price:     decimal.RequireFromString("25000.5"),
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if dealerBuy {
		return post
	}
	funded, err := env.engine.DepositToPost(post.ID, env.dealer, big.NewInt(amount), "usdt")
	if err != nil {
		t.Fatalf("deposit to post: %v", err)
	}
	return funded
}

func (env *otcEnv) mustDeal(t *testing.T, id uint64) *Deal {
	t.Helper()
	deal, ok, err := env.state.DealGet(id)
	if err != nil || !ok {
		t.Fatalf("deal %d not stored: ok=%v err=%v", id, ok, err)
	}
	return deal
}

func TestEveryDealStateHasPhase(t *testing.T) {
	for s := DealState(0); s < dealStateCount; s++ {
		phase, err := phaseOf(s)
		if err != nil {
			t.Fatalf("state %s: %v", s, err)
		}
		_, terminal := phase.(terminalPhase)
		if terminal != s.Terminal() {
			t.Fatalf("state %s: terminal phase mismatch", s)
		}
	}
	if _, err := phaseOf(dealStateCount); !errors.Is(err, ErrUnexpectedDealState) {
		t.Fatalf("expected unexpected state error, got %v", err)
	}
}

func TestInitRejectsSecondCall(t *testing.T) {
	env := setupOTCEnvironment(t)
	if _, err := env.engine.Init(Config{Admins: []crypto.Address{env.admin}, Assets: [3]string{"A", "B", "C"}}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected already initialised, got %v", err)
	}
	cfg, err := env.engine.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Assets[0] != "USDT" {
		t.Fatalf("expected normalised asset, got %q", cfg.Assets[0])
	}
	mods, err := env.engine.Moderators()
	if err != nil {
		t.Fatalf("moderators: %v", err)
	}
	if len(mods) != 1 || mods[0] != env.admin {
		t.Fatalf("expected admins as moderators, got %v", mods)
	}
}

func TestInitValidatesConfig(t *testing.T) {
	engine := NewEngine()
	engine.SetState(NewKVState(storage.NewMemDB()))
	if _, err := engine.Init(Config{Assets: [3]string{"A", "B", "C"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config without admins, got %v", err)
	}
	admin := newTestAddress(0xA1)
	if _, err := engine.Init(Config{Admins: []crypto.Address{admin}, CommissionBps: MaxCommissionBps + 1, Assets: [3]string{"A", "B", "C"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid commission, got %v", err)
	}
	if _, err := engine.Init(Config{Admins: []crypto.Address{admin}, Assets: [3]string{"A", "", "C"}}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected invalid asset, got %v", err)
	}
	if _, err := engine.CreatePost(admin, PostParams{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount validation first, got %v", err)
	}
}

func TestEngineWithoutStateFails(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.ActivePosts(); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
}

func TestPausedModuleRejectsCalls(t *testing.T) {
	env := setupOTCEnvironment(t)
	post := env.createPost(t, false, 1000, 100)
	pauses := nativecommon.NewPauseSet(ModuleDeal)
	env.engine.SetPauses(pauses)
	if _, err := env.engine.EnterDeal(post.ID, env.customer, big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if _, err := env.engine.RegisterPaymentInfo(env.outsider, PaymentInfo{Method: "bank", Detail: "x"}); err != nil {
		t.Fatalf("payment info should not be paused: %v", err)
	}
	pauses.Set(ModuleDeal, false)
	if _, err := env.engine.EnterDeal(post.ID, env.customer, big.NewInt(100)); err != nil {
		t.Fatalf("enter deal after resume: %v", err)
	}
}

func TestRegisterPaymentInfoValidates(t *testing.T) {
	env := setupOTCEnvironment(t)
	if _, err := env.engine.RegisterPaymentInfo(env.outsider, PaymentInfo{Method: " ", Detail: "x"}); !errors.Is(err, ErrInvalidPaymentInfo) {
		t.Fatalf("expected invalid payment info, got %v", err)
	}
	info, err := env.engine.RegisterPaymentInfo(env.dealer, PaymentInfo{Method: " wire ", Detail: "IBAN 1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.Method != "wire" {
		t.Fatalf("expected trimmed method, got %q", info.Method)
	}
	stored, err := env.engine.PaymentInfoOf(env.dealer)
	if err != nil || stored.Detail != "IBAN 1" {
		t.Fatalf("expected replaced payment info, got %+v err=%v", stored, err)
	}
	if _, err := env.engine.PaymentInfoOf(env.outsider); !errors.Is(err, ErrMissingPaymentInfo) {
		t.Fatalf("expected missing payment info, got %v", err)
	}
	if !env.emitter.seen(EventTypePaymentInfoRegistered) {
		t.Fatalf("expected payment info event")
	}
}
