package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"p2potc/core/events"
	"p2potc/crypto"
	"p2potc/native/otc"
	"p2potc/services/otcd/journal"
	"p2potc/services/otcd/payout"
	"p2potc/storage"
)

type failingWallet struct{}

func (failingWallet) Transfer(context.Context, string, crypto.Address, *big.Int) (string, error) {
	return "", errors.New("custody offline")
}

type serviceEnv struct {
	svc      *Service
	vault    *payout.Vault
	journal  *journal.Journal
	hub      *events.Hub
	now      time.Time
	admin    crypto.Address
	dealer   crypto.Address
	customer crypto.Address
}

func setupServiceEnvironment(t *testing.T, wallet payout.Wallet) *serviceEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	j, err := journal.New(db)
	require.NoError(t, err)

	vault, err := payout.NewVault(nil)
	require.NoError(t, err)
	if wallet == nil {
		wallet = vault
	}
	env := &serviceEnv{
		vault:    vault,
		journal:  j,
		hub:      events.NewHub(),
		now:      time.Unix(1_700_000_000, 0),
		admin:    crypto.Address{0xA1},
		dealer:   crypto.Address{0x01},
		customer: crypto.Address{0x02},
	}
	svc, err := New(storage.NewMemDB(), payout.NewProcessor(payout.WithWallet(wallet)),
		WithJournal(j),
		WithPublisher(env.hub),
		WithClock(func() time.Time { return env.now }),
	)
	require.NoError(t, err)
	env.svc = svc

	ctx := context.Background()
	applied, err := svc.Bootstrap(ctx, otc.Config{
		Admins:        []crypto.Address{env.admin},
		CommissionBps: 100,
		Assets:        [3]string{"USDT", "USDC", "DAI"},
		AuthService:   "https://auth.example",
	})
	require.NoError(t, err)
	require.True(t, applied)
	for _, addr := range []crypto.Address{env.dealer, env.customer} {
		_, err := svc.RegisterPaymentInfo(ctx, addr, otc.PaymentInfo{Method: "bank", Detail: "acct " + addr.String()})
		require.NoError(t, err)
	}
	return env
}

func (env *serviceEnv) sellPost(t *testing.T, amount int64) *otc.Post {
	t.Helper()
	ctx := context.Background()
	post, err := env.svc.CreatePost(ctx, env.dealer, otc.PostParams{
		Asset:     "usdt",
		Amount:    big.NewInt(amount),
		MinAmount: big.NewInt(100_000),
		Currency:  "usd",
		Price:     decimal.RequireFromString("50000"),
	})
	require.NoError(t, err)
	require.NoError(t, env.svc.Deposit(ctx, "custody-1", otc.DepositNotice{
		Depositor: env.dealer,
		Amount:    big.NewInt(amount),
		Asset:     "usdt",
		PostID:    post.ID,
	}))
	return post
}

func TestBootstrapIsIdempotent(t *testing.T) {
	env := setupServiceEnvironment(t, nil)
	applied, err := env.svc.Bootstrap(context.Background(), otc.Config{
		Admins: []crypto.Address{env.dealer},
		Assets: [3]string{"A", "B", "C"},
	})
	require.NoError(t, err)
	require.False(t, applied)

	cfg, err := env.svc.Config()
	require.NoError(t, err)
	require.Equal(t, []crypto.Address{env.admin}, cfg.Admins)
	url, err := env.svc.AuthService()
	require.NoError(t, err)
	require.Equal(t, "https://auth.example", url)
}

func TestSellDealSettlesThroughVault(t *testing.T) {
	env := setupServiceEnvironment(t, nil)
	ctx := WithRequestID(context.Background(), "req-resolve")
	records, cancel := env.hub.Subscribe(64)
	defer cancel()

	post := env.sellPost(t, 1_000_000)
	require.Equal(t, 0, env.vault.Balance("USDT").Cmp(big.NewInt(1_000_000)))

	deal, err := env.svc.EnterDeal(ctx, env.customer, post.ID, big.NewInt(200_000))
	require.NoError(t, err)
	_, err = env.svc.ConfirmBankTransfer(ctx, env.customer, deal.ID)
	require.NoError(t, err)
	resolved, err := env.svc.ResolveDeal(ctx, env.dealer, deal.ID)
	require.NoError(t, err)
	require.Equal(t, otc.DealStateResolve, resolved.State)

	require.Equal(t, 0, env.vault.Balance("USDT").Cmp(big.NewInt(802_000)))
	transfers := env.vault.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, env.customer, transfers[0].Recipient)

	revenue, err := env.svc.Revenue()
	require.NoError(t, err)
	require.Equal(t, 0, revenue.Cmp(big.NewInt(2_000)))

	past, err := env.svc.PastDeals()
	require.NoError(t, err)
	require.Len(t, past, 1)

	var sawResolved bool
	for len(records) > 0 {
		rec := <-records
		if rec.Type == otc.EventTypeDealResolved {
			sawResolved = true
		}
	}
	require.True(t, sawResolved)

	journaled, err := env.journal.TransfersForDeal(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, journaled, 1)
	require.Equal(t, "198000", journaled[0].Amount)
	require.Equal(t, "deal-1-payout", journaled[0].IntentID)

	commands, err := env.journal.Entries(ctx, journal.Query{Kind: journal.KindCommand, Subject: "deal:1"})
	require.NoError(t, err)
	require.NotEmpty(t, commands)
	require.Equal(t, "req-resolve", commands[0].RequestID)
	_, err = env.journal.Verify(ctx)
	require.NoError(t, err)
}

func TestFailedTransferLeavesStateUntouched(t *testing.T) {
	env := setupServiceEnvironment(t, failingWallet{})
	ctx := context.Background()
	post := env.sellPost(t, 500_000)
	deal, err := env.svc.EnterDeal(ctx, env.customer, post.ID, big.NewInt(200_000))
	require.NoError(t, err)
	_, err = env.svc.ConfirmBankTransfer(ctx, env.customer, deal.ID)
	require.NoError(t, err)

	records, cancel := env.hub.Subscribe(16)
	defer cancel()
	_, err = env.svc.ResolveDeal(ctx, env.dealer, deal.ID)
	require.Error(t, err)

	active, err := env.svc.DealsOf(env.customer)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, otc.DealStatePendDealerSignOff, active[0].State)
	revenue, err := env.svc.Revenue()
	require.NoError(t, err)
	require.Zero(t, revenue.Sign())
	require.Empty(t, records)

	rejected, err := env.journal.Entries(ctx, journal.Query{Kind: journal.KindCommand, Subject: "deal:1"})
	require.NoError(t, err)
	require.Equal(t, journal.OutcomeRejected, rejected[0].Outcome)
}

func TestExpiredDepositCancelledWithoutTransfer(t *testing.T) {
	env := setupServiceEnvironment(t, nil)
	ctx := context.Background()
	post, err := env.svc.CreatePost(ctx, env.dealer, otc.PostParams{
		DealerBuy: true,
		Asset:     "USDC",
		Amount:    big.NewInt(1_000_000),
		MinAmount: big.NewInt(100_000),
		Currency:  "USD",
		Price:     decimal.RequireFromString("50000"),
	})
	require.NoError(t, err)
	deal, err := env.svc.EnterDeal(ctx, env.customer, post.ID, big.NewInt(200_000))
	require.NoError(t, err)
	require.Equal(t, otc.DealStatePendCustomerDeposit, deal.State)

	_, err = env.svc.CancelDeal(ctx, env.dealer, deal.ID)
	require.ErrorIs(t, err, otc.ErrDealNotExpired)

	env.now = env.now.Add(7 * time.Hour)
	cancelled, err := env.svc.CancelDeal(ctx, env.dealer, deal.ID)
	require.NoError(t, err)
	require.Equal(t, otc.DealStateCancelAsCustomerMissTransfer, cancelled.State)
	require.Empty(t, env.vault.Transfers())

	_, err = env.svc.DealDetail(env.customer, deal.ID)
	require.NoError(t, err)
	_, err = env.svc.DealDetail(crypto.Address{0x0F}, deal.ID)
	require.ErrorIs(t, err, otc.ErrUnauthorized)
}

func TestAdminCommandsAndExport(t *testing.T) {
	env := setupServiceEnvironment(t, nil)
	ctx := context.Background()
	moderator := crypto.Address{0xB2}

	mods, err := env.svc.AddModerator(ctx, env.admin, moderator)
	require.NoError(t, err)
	require.Contains(t, mods, moderator)
	_, err = env.svc.AddModerator(ctx, env.dealer, moderator)
	require.ErrorIs(t, err, otc.ErrUnauthorized)

	post := env.sellPost(t, 300_000)
	deal, err := env.svc.EnterDeal(ctx, env.customer, post.ID, big.NewInt(100_000))
	require.NoError(t, err)
	_, err = env.svc.ConfirmBankTransfer(ctx, env.customer, deal.ID)
	require.NoError(t, err)
	_, err = env.svc.ResolveDeal(ctx, env.dealer, deal.ID)
	require.NoError(t, err)

	swept, err := env.svc.SweepRevenue(ctx, env.admin)
	require.NoError(t, err)
	require.Equal(t, 0, swept.Cmp(big.NewInt(1_000)))

	res, err := env.svc.ExportArchive(ctx, env.admin, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)
	require.FileExists(t, res.ParquetPath)
	_, err = env.svc.ExportArchive(ctx, env.customer, t.TempDir())
	require.ErrorIs(t, err, otc.ErrUnauthorized)

	cancelled, err := env.svc.CancelPost(ctx, env.dealer, post.ID)
	require.NoError(t, err)
	require.Equal(t, 0, cancelled.Amount.Cmp(big.NewInt(200_000)))
	require.Zero(t, env.vault.Balance("USDT").Sign())
	posts, err := env.svc.PostsOf(env.dealer)
	require.NoError(t, err)
	require.Empty(t, posts)
}
