package service

import (
	"math/big"

	"p2potc/crypto"
	"p2potc/native/otc"
)

func (s *Service) Config() (cfg *otc.Config, err error) {
	err = s.view(func(e *otc.Engine) error {
		cfg, err = e.Config()
		return err
	})
	return cfg, err
}

func (s *Service) Revenue() (revenue *big.Int, err error) {
	err = s.view(func(e *otc.Engine) error {
		revenue, err = e.Revenue()
		return err
	})
	return revenue, err
}

func (s *Service) Moderators() (mods []crypto.Address, err error) {
	err = s.view(func(e *otc.Engine) error {
		mods, err = e.Moderators()
		return err
	})
	return mods, err
}

func (s *Service) PastDeals() (deals []*otc.Deal, err error) {
	err = s.view(func(e *otc.Engine) error {
		deals, err = e.PastDeals()
		return err
	})
	return deals, err
}

func (s *Service) ActiveDeals() (deals []*otc.Deal, err error) {
	err = s.view(func(e *otc.Engine) error {
		deals, err = e.ActiveDeals()
		return err
	})
	return deals, err
}

func (s *Service) ActivePosts() (posts []*otc.Post, err error) {
	err = s.view(func(e *otc.Engine) error {
		posts, err = e.ActivePosts()
		return err
	})
	return posts, err
}

// PostsOf lists the active posts created by dealer.
func (s *Service) PostsOf(dealer crypto.Address) (posts []*otc.Post, err error) {
	err = s.view(func(e *otc.Engine) error {
		posts, err = e.PostsByDealer(dealer)
		return err
	})
	return posts, err
}

// DealsOf lists the active deals addr is a party to.
func (s *Service) DealsOf(addr crypto.Address) (deals []*otc.Deal, err error) {
	err = s.view(func(e *otc.Engine) error {
		deals, err = e.DealsByParty(addr)
		return err
	})
	return deals, err
}

func (s *Service) PaymentInfoOf(addr crypto.Address) (info *otc.PaymentInfo, err error) {
	err = s.view(func(e *otc.Engine) error {
		info, err = e.PaymentInfoOf(addr)
		return err
	})
	return info, err
}

// DealDetail returns a deal with the payee's payment info if caller may see it.
func (s *Service) DealDetail(caller crypto.Address, dealID uint64) (detail *otc.DealDetail, err error) {
	err = s.view(func(e *otc.Engine) error {
		detail, err = e.DealDetail(caller, dealID)
		return err
	})
	return detail, err
}

// AuthService returns the configured viewing key service URL.
func (s *Service) AuthService() (string, error) {
	cfg, err := s.Config()
	if err != nil {
		return "", err
	}
	return cfg.AuthService, nil
}

// RequireAdmin returns otc.ErrUnauthorized unless addr is a configured admin.
func (s *Service) RequireAdmin(addr crypto.Address) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}
	if !cfg.IsAdmin(addr) {
		return otc.ErrUnauthorized
	}
	return nil
}
