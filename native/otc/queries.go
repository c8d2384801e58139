package otc

import (
	"math/big"

	"p2potc/crypto"
)

// Config returns the current configuration.
func (e *Engine) Config() (*Config, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	return e.config()
}

// Revenue returns the accrued, unswept commission.
func (e *Engine) Revenue() (*big.Int, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	return e.state.RevenueGet()
}

// Moderators returns the moderator set.
func (e *Engine) Moderators() ([]crypto.Address, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	return e.state.ModeratorsGet()
}

// PastDeals returns every archived deal in termination order.
func (e *Engine) PastDeals() ([]*Deal, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	return e.state.Archive()
}

// ActiveDeals returns every non-terminated deal ordered by id.
func (e *Engine) ActiveDeals() ([]*Deal, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	return e.state.Deals()
}

// ActivePosts returns every registered post ordered by id.
func (e *Engine) ActivePosts() ([]*Post, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	return e.state.Posts()
}

// PostsByDealer returns the active posts owned by dealer.
func (e *Engine) PostsByDealer(dealer crypto.Address) ([]*Post, error) {
	posts, err := e.ActivePosts()
	if err != nil {
		return nil, err
	}
	out := make([]*Post, 0)
	for _, p := range posts {
		if p.Dealer == dealer {
			out = append(out, p)
		}
	}
	return out, nil
}

// DealsByParty returns the active deals where addr is dealer or customer.
func (e *Engine) DealsByParty(addr crypto.Address) ([]*Deal, error) {
	deals, err := e.ActiveDeals()
	if err != nil {
		return nil, err
	}
	out := make([]*Deal, 0)
	for _, d := range deals {
		if d.IsParty(addr) {
			out = append(out, d)
		}
	}
	return out, nil
}

// PaymentInfoOf returns addr's registered payment info.
func (e *Engine) PaymentInfoOf(addr crypto.Address) (*PaymentInfo, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	info, ok, err := e.state.PaymentInfoGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMissingPaymentInfo
	}
	return info, nil
}

// DealDetail returns a deal together with the payment info of the party that
// receives fiat: the customer on dealer-buy deals, the dealer otherwise. Only
// admins, moderators and the two parties may view it. Archived deals are
// searched when the id is no longer active.
func (e *Engine) DealDetail(caller crypto.Address, dealID uint64) (*DealDetail, error) {
	if err := e.ready(""); err != nil {
		return nil, err
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	deal, ok, err := e.state.DealGet(dealID)
	if err != nil {
		return nil, err
	}
	if !ok {
		deal, err = e.archivedDeal(dealID)
		if err != nil {
			return nil, err
		}
	}
	if !deal.IsParty(caller) && !cfg.IsAdmin(caller) {
		mods, err := e.state.ModeratorsGet()
		if err != nil {
			return nil, err
		}
		if !containsAddress(mods, caller) {
			return nil, ErrUnauthorized
		}
	}
	payee := deal.Dealer
	if deal.DealerBuy {
		payee = deal.Customer
	}
	detail := &DealDetail{Deal: deal}
	if info, ok, err := e.state.PaymentInfoGet(payee); err != nil {
		return nil, err
	} else if ok {
		detail.PaymentInfo = info
	}
	return detail, nil
}

func (e *Engine) archivedDeal(dealID uint64) (*Deal, error) {
	archive, err := e.state.Archive()
	if err != nil {
		return nil, err
	}
	for _, d := range archive {
		if d.ID == dealID {
			return d, nil
		}
	}
	return nil, noMatchingDeal(dealID)
}
