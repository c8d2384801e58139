package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"p2potc/crypto"
	"p2potc/native/otc"
	"p2potc/observability"
)

// ErrProcessorPaused is returned when a transfer is attempted while the processor is paused.
var ErrProcessorPaused = errors.New("payout: processor paused")

// ErrIntentInFlight is returned when the same intent is already being executed.
var ErrIntentInFlight = errors.New("payout: intent in flight")

// Wallet moves custody funds to a recipient and returns a transfer reference.
type Wallet interface {
	Transfer(ctx context.Context, asset string, recipient crypto.Address, amount *big.Int) (string, error)
}

// Crediter is implemented by wallets that track deposits themselves.
type Crediter interface {
	Credit(asset string, amount *big.Int)
}

// Receipt records an executed transfer intent.
type Receipt struct {
	IntentID  string
	Asset     string
	Recipient crypto.Address
	Amount    *big.Int
	Reason    otc.TransferReason
	PostID    uint64
	DealID    uint64
	TxRef     string
	SettledAt time.Time
	// Replayed is set when the intent had already been executed and no new
	// transfer was made.
	Replayed bool
}

type processState struct {
	inFlight bool
	receipt  *Receipt
}

// Processor executes engine transfer intents against a wallet exactly once
// per intent id.
type Processor struct {
	wallet  Wallet
	metrics *observability.OtcdMetrics
	now     func() time.Time

	mu        sync.Mutex
	paused    bool
	processed map[string]processState
}

// Option customises the processor instance.
type Option func(*Processor)

// WithWallet supplies the custody wallet implementation.
func WithWallet(w Wallet) Option {
	return func(p *Processor) { p.wallet = w }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.OtcdMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) { p.now = clock }
}

// WithPaused starts the processor paused.
func WithPaused(paused bool) Option {
	return func(p *Processor) { p.paused = paused }
}

// NewProcessor constructs a transfer processor.
func NewProcessor(opts ...Option) *Processor {
	proc := &Processor{
		metrics:   observability.Otcd(),
		processed: make(map[string]processState),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(proc)
	}
	if proc.metrics == nil {
		proc.metrics = observability.Otcd()
	}
	return proc
}

// Process executes intent. Repeating a completed intent returns the original
// receipt marked as replayed without moving funds again.
func (p *Processor) Process(ctx context.Context, intent otc.TransferIntent) (*Receipt, error) {
	intentID := strings.TrimSpace(intent.ID)
	if intentID == "" {
		return nil, fmt.Errorf("payout: intent id required")
	}
	asset := strings.ToUpper(strings.TrimSpace(intent.Asset))
	if asset == "" {
		return nil, fmt.Errorf("payout: asset required")
	}
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("payout: amount required")
	}
	if intent.Recipient.IsZero() {
		return nil, fmt.Errorf("payout: recipient required")
	}

	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		p.metrics.RecordTransferError(asset, "paused")
		return nil, ErrProcessorPaused
	}
	if state, exists := p.processed[intentID]; exists {
		p.mu.Unlock()
		if state.inFlight {
			return nil, ErrIntentInFlight
		}
		replay := *state.receipt
		replay.Amount = new(big.Int).Set(state.receipt.Amount)
		replay.Replayed = true
		return &replay, nil
	}
	p.processed[intentID] = processState{inFlight: true}
	p.mu.Unlock()

	if p.wallet == nil {
		p.finishFailure(intentID)
		return nil, fmt.Errorf("payout: wallet not configured")
	}
	start := p.now()
	txRef, err := p.wallet.Transfer(ctx, asset, intent.Recipient, intent.Amount)
	if err != nil {
		p.finishFailure(intentID)
		p.metrics.RecordTransferError(asset, "transfer")
		return nil, err
	}
	receipt := &Receipt{
		IntentID:  intentID,
		Asset:     asset,
		Recipient: intent.Recipient,
		Amount:    new(big.Int).Set(intent.Amount),
		Reason:    intent.Reason,
		PostID:    intent.PostID,
		DealID:    intent.DealID,
		TxRef:     txRef,
		SettledAt: p.now(),
	}

	p.mu.Lock()
	p.processed[intentID] = processState{receipt: receipt}
	p.mu.Unlock()

	p.metrics.ObserveTransfer(asset, string(intent.Reason), p.now().Sub(start))
	out := *receipt
	out.Amount = new(big.Int).Set(receipt.Amount)
	return &out, nil
}

func (p *Processor) finishFailure(intentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.processed, intentID)
}

// Credit forwards an observed custody deposit to the wallet when it keeps
// its own balances.
func (p *Processor) Credit(asset string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	if c, ok := p.wallet.(Crediter); ok {
		c.Credit(strings.ToUpper(strings.TrimSpace(asset)), amount)
	}
}

// Pause halts new transfer processing.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume re-enables transfer processing.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused    bool `json:"paused"`
	Processed int  `json:"processed"`
	InFlight  int  `json:"in_flight"`
}

// Status reports the current processor status snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := Status{Paused: p.paused}
	for _, state := range p.processed {
		if state.inFlight {
			status.InFlight++
			continue
		}
		status.Processed++
	}
	return status
}
