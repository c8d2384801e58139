package service

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"p2potc/crypto"
	"p2potc/native/otc"
	"p2potc/observability/logging"
	"p2potc/services/otcd/export"
)

// CreatePost opens a new post for caller.
func (s *Service) CreatePost(ctx context.Context, caller crypto.Address, params otc.PostParams) (*otc.Post, error) {
	var post *otc.Post
	cmd := command{actor: actorOf(caller), action: "post.create", details: map[string]string{
		"asset":     params.Asset,
		"amount":    amountString(params.Amount),
		"dealerBuy": strconv.FormatBool(params.DealerBuy),
	}}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		post, err = e.CreatePost(caller, params)
		return nil, err
	})
	return post, err
}

// CancelPost withdraws a post and refunds its remaining escrow.
func (s *Service) CancelPost(ctx context.Context, caller crypto.Address, postID uint64) (*otc.Post, error) {
	var post *otc.Post
	cmd := command{actor: actorOf(caller), action: "post.cancel", subject: postSubject(postID)}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var (
			intents []otc.TransferIntent
			err     error
		)
		post, intents, err = e.CancelPost(postID, caller)
		return intents, err
	})
	return post, err
}

// EnterDeal opens a deal of amount against a post.
func (s *Service) EnterDeal(ctx context.Context, caller crypto.Address, postID uint64, amount *big.Int) (*otc.Deal, error) {
	var deal *otc.Deal
	cmd := command{actor: actorOf(caller), action: "deal.enter", subject: postSubject(postID), details: map[string]string{
		"amount": amountString(amount),
	}}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		deal, err = e.EnterDeal(postID, caller, amount)
		return nil, err
	})
	return deal, err
}

// Deposit applies a custody deposit notice reported by source. Accepted
// deposits are credited to the custody wallet after commit.
func (s *Service) Deposit(ctx context.Context, source string, notice otc.DepositNotice) error {
	subject := postSubject(notice.PostID)
	if notice.DealID != 0 {
		subject = dealSubject(notice.DealID)
	}
	cmd := command{actor: "custody:" + source, action: "deposit", subject: subject, details: map[string]string{
		"depositor": notice.Depositor.String(),
		"asset":     notice.Asset,
		"amount":    amountString(notice.Amount),
	}}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		return nil, e.HandleDeposit(notice)
	})
	if err != nil {
		return err
	}
	s.payouts.Credit(notice.Asset, notice.Amount)
	return nil
}

// ConfirmBankTransfer records that caller sent the fiat leg of a deal.
func (s *Service) ConfirmBankTransfer(ctx context.Context, caller crypto.Address, dealID uint64) (*otc.Deal, error) {
	return s.dealAction(ctx, caller, dealID, "deal.confirm_transfer", func(e *otc.Engine) (*otc.Deal, []otc.TransferIntent, error) {
		deal, err := e.ConfirmBankTransfer(dealID, caller)
		return deal, nil, err
	})
}

func (s *Service) DisputeDeal(ctx context.Context, caller crypto.Address, dealID uint64) (*otc.Deal, error) {
	return s.dealAction(ctx, caller, dealID, "deal.dispute", func(e *otc.Engine) (*otc.Deal, []otc.TransferIntent, error) {
		deal, err := e.DisputeDeal(dealID, caller)
		return deal, nil, err
	})
}

func (s *Service) ResolveDeal(ctx context.Context, caller crypto.Address, dealID uint64) (*otc.Deal, error) {
	return s.dealAction(ctx, caller, dealID, "deal.resolve", func(e *otc.Engine) (*otc.Deal, []otc.TransferIntent, error) {
		return e.ResolveDeal(dealID, caller)
	})
}

func (s *Service) CancelDeal(ctx context.Context, caller crypto.Address, dealID uint64) (*otc.Deal, error) {
	return s.dealAction(ctx, caller, dealID, "deal.cancel", func(e *otc.Engine) (*otc.Deal, []otc.TransferIntent, error) {
		return e.CancelDeal(dealID, caller)
	})
}

func (s *Service) dealAction(ctx context.Context, caller crypto.Address, dealID uint64, action string, fn func(*otc.Engine) (*otc.Deal, []otc.TransferIntent, error)) (*otc.Deal, error) {
	var deal *otc.Deal
	cmd := command{actor: actorOf(caller), action: action, subject: dealSubject(dealID)}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var (
			intents []otc.TransferIntent
			err     error
		)
		deal, intents, err = fn(e)
		return intents, err
	})
	return deal, err
}

// RegisterPaymentInfo stores caller's fiat payment details.
func (s *Service) RegisterPaymentInfo(ctx context.Context, caller crypto.Address, info otc.PaymentInfo) (*otc.PaymentInfo, error) {
	var stored *otc.PaymentInfo
	cmd := command{actor: actorOf(caller), action: "payment_info.register", details: map[string]string{
		"method": info.Method,
		"detail": logging.MaskPaymentDetail(info.Detail),
	}}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		stored, err = e.RegisterPaymentInfo(caller, info)
		return nil, err
	})
	return stored, err
}

func (s *Service) UpdateConfig(ctx context.Context, caller crypto.Address, update otc.ConfigUpdate) (*otc.Config, error) {
	var cfg *otc.Config
	err := s.apply(ctx, command{actor: actorOf(caller), action: "config.update"}, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		cfg, err = e.UpdateConfig(caller, update)
		return nil, err
	})
	return cfg, err
}

func (s *Service) UpdateAssets(ctx context.Context, caller crypto.Address, assets [3]string) (*otc.Config, error) {
	var cfg *otc.Config
	cmd := command{actor: actorOf(caller), action: "config.assets", details: map[string]string{
		"a": assets[0], "b": assets[1], "c": assets[2],
	}}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		cfg, err = e.UpdateAssets(caller, assets)
		return nil, err
	})
	return cfg, err
}

func (s *Service) AddModerator(ctx context.Context, caller, moderator crypto.Address) ([]crypto.Address, error) {
	var mods []crypto.Address
	cmd := command{actor: actorOf(caller), action: "moderator.add", subject: "address:" + moderator.String()}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		mods, err = e.AddModerator(caller, moderator)
		return nil, err
	})
	return mods, err
}

func (s *Service) RemoveModerator(ctx context.Context, caller, moderator crypto.Address) ([]crypto.Address, error) {
	var mods []crypto.Address
	cmd := command{actor: actorOf(caller), action: "moderator.remove", subject: "address:" + moderator.String()}
	err := s.apply(ctx, cmd, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var err error
		mods, err = e.RemoveModerator(caller, moderator)
		return nil, err
	})
	return mods, err
}

// ForceWithdraw lets an admin pull a deal's escrow to themselves.
func (s *Service) ForceWithdraw(ctx context.Context, caller crypto.Address, dealID uint64) (*otc.Deal, error) {
	return s.dealAction(ctx, caller, dealID, "admin.force_withdraw", func(e *otc.Engine) (*otc.Deal, []otc.TransferIntent, error) {
		return e.ForceWithdraw(caller, dealID)
	})
}

// DeleteDeal removes an active deal without archiving it.
func (s *Service) DeleteDeal(ctx context.Context, caller crypto.Address, dealID uint64) (*otc.Deal, error) {
	return s.dealAction(ctx, caller, dealID, "admin.delete_deal", func(e *otc.Engine) (*otc.Deal, []otc.TransferIntent, error) {
		deal, err := e.DeleteDeal(caller, dealID)
		return deal, nil, err
	})
}

// SweepRevenue pays accumulated commission out to the caller.
func (s *Service) SweepRevenue(ctx context.Context, caller crypto.Address) (*big.Int, error) {
	var swept *big.Int
	err := s.apply(ctx, command{actor: actorOf(caller), action: "revenue.sweep"}, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		var (
			intents []otc.TransferIntent
			err     error
		)
		swept, intents, err = e.SweepRevenue(caller)
		return intents, err
	})
	return swept, err
}

// ExportArchive writes the archived deals to dir. Only admins may export.
func (s *Service) ExportArchive(ctx context.Context, caller crypto.Address, dir string) (*export.Result, error) {
	var result *export.Result
	err := s.apply(ctx, command{actor: actorOf(caller), action: "archive.export"}, func(e *otc.Engine) ([]otc.TransferIntent, error) {
		cfg, err := e.Config()
		if err != nil {
			return nil, err
		}
		if !cfg.IsAdmin(caller) {
			return nil, otc.ErrUnauthorized
		}
		deals, err := e.PastDeals()
		if err != nil {
			return nil, err
		}
		result, err = export.Archive(dir, deals, s.now())
		if err != nil {
			return nil, fmt.Errorf("export archive: %w", err)
		}
		return nil, nil
	})
	return result, err
}
