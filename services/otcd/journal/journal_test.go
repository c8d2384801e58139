package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestJournal(t *testing.T) (*Journal, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j, err := New(db, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	require.NoError(t, err)
	return j, db
}

func TestRecordCommitChainsEntries(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	err := j.RecordCommit(ctx, Commit{
		Command: Record{RequestID: "req-1", Actor: "otc1dealer", Action: "deal.resolve", Subject: "deal:1"},
		Transfers: []Transfer{{
			IntentID:  "deal-1-payout",
			Asset:     "USDT",
			Recipient: "otc1customer",
			Amount:    "396",
			Reason:    "payout",
			DealID:    1,
			TxRef:     "vault-1",
			SettledAt: time.Now().UTC(),
		}},
		Events: []Record{{Action: "otc.deal.resolved", Subject: "deal:1", Details: map[string]string{"state": "Completed"}}},
	})
	require.NoError(t, err)
	require.NoError(t, j.RecordRejection(ctx, Record{RequestID: "req-2", Actor: "otc1x", Action: "deal.cancel", Subject: "deal:2"}, errors.New("otc: no matching deal")))

	count, err := j.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	transfers, err := j.TransfersForDeal(ctx, 1)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.NotZero(t, transfers[0].EntrySeq)

	events, err := j.Entries(ctx, Query{Kind: KindEvent})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "req-1", events[0].RequestID)

	rejected, err := j.Entries(ctx, Query{Subject: "deal:2"})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, OutcomeRejected, rejected[0].Outcome)
	require.Contains(t, rejected[0].Details, "no matching deal")
}

func TestVerifyDetectsTampering(t *testing.T) {
	j, db := openTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, j.RecordCommit(ctx, Commit{Command: Record{Actor: "otc1admin", Action: "moderator.add", Subject: fmt.Sprintf("mod:%d", i)}}))
	}
	_, err := j.Verify(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Model(&Entry{}).Where("seq = ?", 2).Update("actor", "otc1mallory").Error)
	checked, err := j.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, 1, checked)
}

func TestNewResumesChainHead(t *testing.T) {
	j, db := openTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.RecordCommit(ctx, Commit{Command: Record{Actor: "otc1a", Action: "post.create", Subject: "post:1"}}))

	reopened, err := New(db)
	require.NoError(t, err)
	require.NoError(t, reopened.RecordCommit(ctx, Commit{Command: Record{Actor: "otc1a", Action: "post.cancel", Subject: "post:1"}}))
	count, err := reopened.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestDuplicateTransferRollsBackCommit(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	transfer := Transfer{IntentID: "post-1-refund", Asset: "USDT", Recipient: "otc1d", Amount: "5", Reason: "refund", PostID: 1}
	require.NoError(t, j.RecordCommit(ctx, Commit{Command: Record{Action: "post.cancel"}, Transfers: []Transfer{transfer}}))
	require.Error(t, j.RecordCommit(ctx, Commit{Command: Record{Action: "post.cancel"}, Transfers: []Transfer{transfer}}))

	count, err := j.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, j.RecordCommit(ctx, Commit{Command: Record{Action: "config.update"}}))
	_, err = j.Verify(ctx)
	require.NoError(t, err)
}

func TestIdempotencyKeys(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	_, found, err := j.LookupIdempotency(ctx, "abc")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, j.SaveIdempotency(ctx, IdempotencyKey{Key: "abc", Method: "POST", Path: "/v1/custody/deposits", Status: 200, Response: `{"ok":true}`}))
	record, found, err := j.LookupIdempotency(ctx, "abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 200, record.Status)
}
