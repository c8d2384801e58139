package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entry kinds.
const (
	KindCommand  = "command"
	KindTransfer = "transfer"
	KindEvent    = "event"
)

// Command outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Entry is one link of the hash-chained audit trail.
type Entry struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	RequestID string    `gorm:"size:64;index"`
	Kind      string    `gorm:"size:16;index"`
	Actor     string    `gorm:"size:96;index"`
	Action    string    `gorm:"size:64;index"`
	Subject   string    `gorm:"size:64;index"`
	Outcome   string    `gorm:"size:16"`
	Details   string    `gorm:"type:text"`
	PrevHash  string    `gorm:"size:64"`
	Hash      string    `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// Transfer stores an executed transfer intent.
type Transfer struct {
	IntentID  string `gorm:"primaryKey;size:96"`
	Asset     string `gorm:"size:64;index"`
	Recipient string `gorm:"size:96;index"`
	Amount    string `gorm:"size:80"`
	Reason    string `gorm:"size:32"`
	PostID    uint64 `gorm:"index"`
	DealID    uint64 `gorm:"index"`
	TxRef     string `gorm:"size:128"`
	EntrySeq  uint64
	SettledAt time.Time
}

// IdempotencyKey stores the response given to a keyed custody request.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Entry{},
		&Transfer{},
		&IdempotencyKey{},
	)
}
