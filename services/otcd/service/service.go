package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"p2potc/core/events"
	"p2potc/crypto"
	nativecommon "p2potc/native/common"
	"p2potc/native/otc"
	"p2potc/observability"
	"p2potc/observability/logging"
	"p2potc/services/otcd/journal"
	"p2potc/services/otcd/payout"
	"p2potc/storage"
)

// Journal records applied and rejected commands.
type Journal interface {
	RecordCommit(ctx context.Context, commit journal.Commit) error
	RecordRejection(ctx context.Context, cmd journal.Record, cause error) error
}

// Service runs engine commands atomically: each command mutates a staged
// overlay, its transfer intents are executed, and only then is the overlay
// committed and the buffered events published.
type Service struct {
	db        storage.Database
	payouts   *payout.Processor
	journal   Journal
	publisher events.Emitter
	pauses    nativecommon.PauseView
	windows   otc.Windows
	metrics   *observability.OtcdMetrics
	logger    *slog.Logger
	now       func() time.Time

	mu sync.RWMutex
}

// Option customises the service.
type Option func(*Service)

func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithPublisher sets where committed events are emitted.
func WithPublisher(p events.Emitter) Option {
	return func(s *Service) { s.publisher = p }
}

func WithPauses(p nativecommon.PauseView) Option {
	return func(s *Service) { s.pauses = p }
}

func WithWindows(w otc.Windows) Option {
	return func(s *Service) { s.windows = w }
}

func WithMetrics(m *observability.OtcdMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source used by the engine and exports.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a service over db executing transfers through payouts.
func New(db storage.Database, payouts *payout.Processor, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("service: database required")
	}
	if payouts == nil {
		return nil, fmt.Errorf("service: payout processor required")
	}
	s := &Service{
		db:        db,
		payouts:   payouts,
		publisher: events.NoopEmitter{},
		windows:   otc.DefaultWindows(),
		metrics:   observability.Otcd(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = events.NoopEmitter{}
	}
	return s, nil
}

func (s *Service) engine(db storage.Database, emitter events.Emitter) *otc.Engine {
	engine := otc.NewEngine()
	engine.SetState(otc.NewKVState(db))
	engine.SetEmitter(emitter)
	engine.SetPauses(s.pauses)
	engine.SetWindows(s.windows)
	engine.SetNowFunc(func() int64 { return s.now().Unix() })
	return engine
}

// command describes an operation for the audit trail.
type command struct {
	actor   string
	action  string
	subject string
	details map[string]string
}

func (c command) record(ctx context.Context) journal.Record {
	return journal.Record{
		RequestID: RequestIDFromContext(ctx),
		Actor:     c.actor,
		Action:    c.action,
		Subject:   c.subject,
		Details:   c.details,
	}
}

// apply runs fn against a fresh overlay. The overlay is committed only when
// fn and every transfer it asks for succeed.
func (s *Service) apply(ctx context.Context, cmd command, fn func(*otc.Engine) ([]otc.TransferIntent, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	overlay := storage.NewOverlay(s.db)
	buffer := &events.Buffer{}
	intents, err := fn(s.engine(overlay, buffer))
	if err != nil {
		overlay.Discard()
		s.reject(ctx, cmd, err)
		return err
	}
	receipts := make([]*payout.Receipt, 0, len(intents))
	for _, intent := range intents {
		receipt, err := s.payouts.Process(ctx, intent)
		if err != nil {
			overlay.Discard()
			err = fmt.Errorf("execute transfer %s: %w", intent.ID, err)
			s.reject(ctx, cmd, err)
			return err
		}
		receipts = append(receipts, receipt)
	}
	if err := overlay.Commit(); err != nil {
		s.logger.Error("commit failed", slog.String("action", cmd.action), slog.Any("error", err))
		return fmt.Errorf("commit: %w", err)
	}
	s.publish(ctx, cmd, buffer.Drain(), receipts)
	return nil
}

func (s *Service) reject(ctx context.Context, cmd command, cause error) {
	s.logger.Debug("command rejected",
		slog.String("action", cmd.action),
		slog.String("subject", cmd.subject),
		logging.Details(cmd.details),
		slog.Any("error", cause),
	)
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordRejection(ctx, cmd.record(ctx), cause); err != nil {
		s.logger.Error("journal rejection failed", slog.String("action", cmd.action), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, cmd command, evts []events.Event, receipts []*payout.Receipt) {
	at := s.now()
	commit := journal.Commit{Command: cmd.record(ctx)}
	for _, evt := range evts {
		s.publisher.Emit(evt)
		s.metrics.RecordEvent(evt.EventType())
		rec := events.ToRecord(evt, at)
		commit.Events = append(commit.Events, journal.Record{Action: rec.Type, Subject: eventSubject(rec.Attributes), Details: rec.Attributes})
	}
	for _, r := range receipts {
		if r.Replayed {
			continue
		}
		commit.Transfers = append(commit.Transfers, journal.Transfer{
			IntentID:  r.IntentID,
			Asset:     r.Asset,
			Recipient: r.Recipient.String(),
			Amount:    r.Amount.String(),
			Reason:    string(r.Reason),
			PostID:    r.PostID,
			DealID:    r.DealID,
			TxRef:     r.TxRef,
			SettledAt: r.SettledAt,
		})
	}
	if s.journal != nil {
		if err := s.journal.RecordCommit(ctx, commit); err != nil {
			s.logger.Error("journal commit failed", slog.String("action", cmd.action), slog.Any("error", err))
		}
	}
	s.logger.Info("command applied",
		slog.String("action", cmd.action),
		slog.String("subject", cmd.subject),
		logging.Details(cmd.details),
		slog.Int("events", len(evts)),
		slog.Int("transfers", len(receipts)),
	)
	s.refreshBook()
}

func (s *Service) refreshBook() {
	engine := s.engine(s.db, nil)
	revenue, err := engine.Revenue()
	if err != nil {
		return
	}
	posts, err := engine.ActivePosts()
	if err != nil {
		return
	}
	deals, err := engine.ActiveDeals()
	if err != nil {
		return
	}
	s.metrics.RecordBook(revenue, len(posts), len(deals))
}

func eventSubject(attrs map[string]string) string {
	switch {
	case attrs["dealId"] != "":
		return "deal:" + attrs["dealId"]
	case attrs["postId"] != "":
		return "post:" + attrs["postId"]
	case attrs["address"] != "":
		return "address:" + attrs["address"]
	default:
		return ""
	}
}

// view runs fn against the committed state.
func (s *Service) view(fn func(*otc.Engine) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.engine(s.db, nil))
}

// Bootstrap stores cfg when the engine has no configuration yet. It reports
// whether cfg was applied.
func (s *Service) Bootstrap(ctx context.Context, cfg otc.Config) (bool, error) {
	err := s.apply(ctx, command{actor: "bootstrap", action: "config.init"}, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		_, err := e.Init(cfg)
		return nil, err
	})
	if errors.Is(err, otc.ErrAlreadyInitialized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type requestIDKey struct{}

// WithRequestID attaches a request id recorded in the journal.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func dealSubject(id uint64) string { return fmt.Sprintf("deal:%d", id) }
func postSubject(id uint64) string { return fmt.Sprintf("post:%d", id) }

func actorOf(addr crypto.Address) string { return addr.String() }
