package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its hash does not match its content.
var ErrChainBroken = errors.New("journal: hash chain broken")

// Record is the caller supplied part of an audit entry.
type Record struct {
	RequestID string
	Actor     string
	Action    string
	Subject   string
	Details   map[string]string
}

// Commit bundles everything one applied command produced.
type Commit struct {
	Command   Record
	Transfers []Transfer
	Events    []Record
}

// Journal is an append-only, hash-chained audit trail of commands, transfers
// and engine events.
type Journal struct {
	db  *gorm.DB
	now func() time.Time

	mu   sync.Mutex
	head string
}

// Option customises the journal.
type Option func(*Journal)

// WithClock sets the function used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open connects to the named driver ("sqlite" or "postgres") and migrates
// the schema.
func Open(driver, dsn string, opts ...Option) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db, opts...)
}

// New wraps an open database, migrating the schema and loading the chain head.
func New(db *gorm.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	var last Entry
	err := db.Order("seq desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	j.head = last.Hash
	return j, nil
}

// RecordCommit appends the command, its transfers and its events in one
// database transaction.
func (j *Journal) RecordCommit(ctx context.Context, commit Commit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	head := j.head
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := j.stamp()
		if _, err := j.appendLocked(tx, &head, KindCommand, OutcomeApplied, commit.Command, now); err != nil {
			return err
		}
		for i := range commit.Transfers {
			transfer := commit.Transfers[i]
			rec := Record{
				RequestID: commit.Command.RequestID,
				Actor:     commit.Command.Actor,
				Action:    transfer.Reason,
				Subject:   transferSubject(transfer),
				Details: map[string]string{
					"intent":    transfer.IntentID,
					"asset":     transfer.Asset,
					"recipient": transfer.Recipient,
					"amount":    transfer.Amount,
					"txRef":     transfer.TxRef,
				},
			}
			linked, err := j.appendLocked(tx, &head, KindTransfer, OutcomeApplied, rec, now)
			if err != nil {
				return err
			}
			transfer.EntrySeq = linked.Seq
			if err := tx.Create(&transfer).Error; err != nil {
				return fmt.Errorf("journal: transfer %s: %w", transfer.IntentID, err)
			}
		}
		for _, evt := range commit.Events {
			if evt.RequestID == "" {
				evt.RequestID = commit.Command.RequestID
			}
			if _, err := j.appendLocked(tx, &head, KindEvent, OutcomeApplied, evt, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.head = head
	return nil
}

// RecordRejection appends a command that was refused, with its error.
func (j *Journal) RecordRejection(ctx context.Context, cmd Record, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	head := j.head
	details := make(map[string]string, len(cmd.Details)+1)
	for k, v := range cmd.Details {
		details[k] = v
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	cmd.Details = details
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := j.appendLocked(tx, &head, KindCommand, OutcomeRejected, cmd, j.stamp())
		return err
	})
	if err != nil {
		return err
	}
	j.head = head
	return nil
}

func (j *Journal) stamp() time.Time {
	return j.now().UTC().Truncate(time.Microsecond)
}

func (j *Journal) appendLocked(tx *gorm.DB, head *string, kind, outcome string, rec Record, at time.Time) (*Entry, error) {
	details := ""
	if len(rec.Details) > 0 {
		raw, err := json.Marshal(rec.Details)
		if err != nil {
			return nil, fmt.Errorf("journal: encode details: %w", err)
		}
		details = string(raw)
	}
	entry := &Entry{
		ID:        uuid.New(),
		RequestID: rec.RequestID,
		Kind:      kind,
		Actor:     rec.Actor,
		Action:    rec.Action,
		Subject:   rec.Subject,
		Outcome:   outcome,
		Details:   details,
		PrevHash:  *head,
		CreatedAt: at,
	}
	entry.Hash = entryHash(entry)
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: append %s: %w", kind, err)
	}
	*head = entry.Hash
	return entry, nil
}

// entryHash is blake3 over the previous hash and the entry's content fields,
// each length prefixed.
func entryHash(e *Entry) string {
	h := blake3.New(32, nil)
	var buf [8]byte
	for _, field := range []string{e.PrevHash, e.ID.String(), e.RequestID, e.Kind, e.Actor, e.Action, e.Subject, e.Outcome, e.Details} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(field)))
		h.Write(buf[:])
		h.Write([]byte(field))
	}
	binary.BigEndian.PutUint64(buf[:], uint64(e.CreatedAt.UnixMicro()))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks the chain from the first entry and returns the number of
// entries checked.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	var entries []Entry
	if err := j.db.WithContext(ctx).Order("seq asc").Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("journal: load entries: %w", err)
	}
	prev := ""
	for i := range entries {
		entry := &entries[i]
		if entry.PrevHash != prev {
			return i, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, entry.Seq)
		}
		if entryHash(entry) != entry.Hash {
			return i, fmt.Errorf("%w: entry %d content does not match its hash", ErrChainBroken, entry.Seq)
		}
		prev = entry.Hash
	}
	return len(entries), nil
}

// Query filters Entries. Zero fields match everything.
type Query struct {
	Kind    string
	Subject string
	Actor   string
	Limit   int
}

// Entries returns matching entries, newest first.
func (j *Journal) Entries(ctx context.Context, q Query) ([]Entry, error) {
	tx := j.db.WithContext(ctx).Order("seq desc")
	if q.Kind != "" {
		tx = tx.Where("kind = ?", q.Kind)
	}
	if q.Subject != "" {
		tx = tx.Where("subject = ?", q.Subject)
	}
	if q.Actor != "" {
		tx = tx.Where("actor = ?", q.Actor)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []Entry
	if err := tx.Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: query entries: %w", err)
	}
	return out, nil
}

// TransfersForDeal returns the transfers executed for a deal, oldest first.
func (j *Journal) TransfersForDeal(ctx context.Context, dealID uint64) ([]Transfer, error) {
	var out []Transfer
	if err := j.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("entry_seq asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: query transfers: %w", err)
	}
	return out, nil
}

// LookupIdempotency returns the stored response for key, if any.
func (j *Journal) LookupIdempotency(ctx context.Context, key string) (*IdempotencyKey, bool, error) {
	var record IdempotencyKey
	err := j.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("journal: lookup idempotency key: %w", err)
	}
	return &record, true, nil
}

// SaveIdempotency stores the response given for a keyed request.
func (j *Journal) SaveIdempotency(ctx context.Context, record IdempotencyKey) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = j.now().UTC()
	}
	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("journal: save idempotency key: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func transferSubject(t Transfer) string {
	switch {
	case t.DealID != 0:
		return fmt.Sprintf("deal:%d", t.DealID)
	case t.PostID != 0:
		return fmt.Sprintf("post:%d", t.PostID)
	default:
		return "revenue"
	}
}
