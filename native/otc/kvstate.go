package otc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/shopspring/decimal"

	"p2potc/crypto"
	"p2potc/storage"
)

var (
	keyConfig      = []byte("otc/config")
	keyRevenue     = []byte("otc/revenue")
	keyModerators  = []byte("otc/moderators")
	keySeqPost     = []byte("otc/seq/post")
	keySeqDeal     = []byte("otc/seq/deal")
	keySeqSweep    = []byte("otc/seq/sweep")
	keySeqArchive  = []byte("otc/seq/archive")
	prefixPost     = []byte("otc/post/")
	prefixDeal     = []byte("otc/deal/")
	prefixArchive  = []byte("otc/archive/")
	prefixArchived = []byte("otc/archived/")
	prefixPayInfo  = []byte("otc/payinfo/")
)

// KVState implements State on a key-value database with RLP encoded records.
type KVState struct {
	db storage.Database
}

// NewKVState binds the state to db.
func NewKVState(db storage.Database) *KVState {
	return &KVState{db: db}
}

type configRecord struct {
	Admins        []crypto.Address
	CommissionBps uint32
	Assets        []string
	AuthService   string
	HasGovernance bool
	Governance    crypto.Address
}

type postRecord struct {
	ID            uint64
	DealerBuy     bool
	Asset         string
	Amount        *big.Int
	MinAmount     *big.Int
	Currency      string
	Price         string
	DealerDeposit bool
	Dealer        crypto.Address
	State         uint8
	Expiry        uint64
}

type dealRecord struct {
	ID              uint64
	PostID          uint64
	DealerBuy       bool
	Asset           string
	Amount          *big.Int
	Currency        string
	Price           string
	DealerDeposit   bool
	CustomerDeposit bool
	Dealer          crypto.Address
	Customer        crypto.Address
	State           uint8
	HasResolver     bool
	Resolver        crypto.Address
	Expiry          uint64
}

type paymentInfoRecord struct {
	Method string
	Detail string
}

func (s *KVState) ConfigGet() (*Config, bool, error) {
	var rec configRecord
	ok, err := s.load(keyConfig, &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg := &Config{
		Admins:        rec.Admins,
		CommissionBps: rec.CommissionBps,
		AuthService:   rec.AuthService,
	}
	copy(cfg.Assets[:], rec.Assets)
	if rec.HasGovernance {
		gov := rec.Governance
		cfg.Governance = &gov
	}
	return cfg, true, nil
}

func (s *KVState) ConfigPut(cfg *Config) error {
	rec := configRecord{
		Admins:        cfg.Admins,
		CommissionBps: cfg.CommissionBps,
		Assets:        cfg.Assets[:],
		AuthService:   cfg.AuthService,
	}
	if cfg.Governance != nil {
		rec.HasGovernance = true
		rec.Governance = *cfg.Governance
	}
	return s.store(keyConfig, &rec)
}

func (s *KVState) NextPostID() (uint64, error)  { return s.nextSeq(keySeqPost) }
func (s *KVState) NextDealID() (uint64, error)  { return s.nextSeq(keySeqDeal) }
func (s *KVState) NextSweepID() (uint64, error) { return s.nextSeq(keySeqSweep) }

func (s *KVState) PostGet(id uint64) (*Post, bool, error) {
	var rec postRecord
	ok, err := s.load(idKey(prefixPost, id), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	post, err := rec.toPost()
	if err != nil {
		return nil, false, err
	}
	return post, true, nil
}

func (s *KVState) PostPut(p *Post) error {
	return s.store(idKey(prefixPost, p.ID), newPostRecord(p))
}

func (s *KVState) PostDelete(id uint64) error {
	return s.db.Delete(idKey(prefixPost, id))
}

func (s *KVState) Posts() ([]*Post, error) {
	out := make([]*Post, 0)
	err := s.db.Iterate(prefixPost, func(_, value []byte) error {
		var rec postRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("decode post: %w", err)
		}
		post, err := rec.toPost()
		if err != nil {
			return err
		}
		out = append(out, post)
		return nil
	})
	return out, err
}

func (s *KVState) DealGet(id uint64) (*Deal, bool, error) {
	var rec dealRecord
	ok, err := s.load(idKey(prefixDeal, id), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	deal, err := rec.toDeal()
	if err != nil {
		return nil, false, err
	}
	return deal, true, nil
}

func (s *KVState) DealPut(d *Deal) error {
	return s.store(idKey(prefixDeal, d.ID), newDealRecord(d))
}

func (s *KVState) DealDelete(id uint64) error {
	return s.db.Delete(idKey(prefixDeal, id))
}

func (s *KVState) Deals() ([]*Deal, error) {
	return s.decodeDeals(prefixDeal)
}

func (s *KVState) ArchiveAppend(d *Deal) error {
	marker := idKey(prefixArchived, d.ID)
	exists, err := s.db.Has(marker)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("otc: deal %d already archived", d.ID)
	}
	seq, err := s.nextSeq(keySeqArchive)
	if err != nil {
		return err
	}
	if err := s.store(idKey(prefixArchive, seq), newDealRecord(d)); err != nil {
		return err
	}
	return s.db.Put(marker, encodeUint64(seq))
}

func (s *KVState) Archive() ([]*Deal, error) {
	return s.decodeDeals(prefixArchive)
}

func (s *KVState) RevenueGet() (*big.Int, error) {
	revenue := new(big.Int)
	if _, err := s.load(keyRevenue, revenue); err != nil {
		return nil, err
	}
	return revenue, nil
}

func (s *KVState) RevenuePut(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("%w: revenue must be non-negative", ErrInvalidAmount)
	}
	return s.store(keyRevenue, v)
}

func (s *KVState) ModeratorsGet() ([]crypto.Address, error) {
	var mods []crypto.Address
	if _, err := s.load(keyModerators, &mods); err != nil {
		return nil, err
	}
	return mods, nil
}

func (s *KVState) ModeratorsPut(mods []crypto.Address) error {
	if mods == nil {
		mods = []crypto.Address{}
	}
	return s.store(keyModerators, mods)
}

func (s *KVState) PaymentInfoGet(addr crypto.Address) (*PaymentInfo, bool, error) {
	var rec paymentInfoRecord
	ok, err := s.load(append(append([]byte(nil), prefixPayInfo...), addr[:]...), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &PaymentInfo{Method: rec.Method, Detail: rec.Detail}, true, nil
}

func (s *KVState) PaymentInfoPut(addr crypto.Address, info *PaymentInfo) error {
	key := append(append([]byte(nil), prefixPayInfo...), addr[:]...)
	return s.store(key, &paymentInfoRecord{Method: info.Method, Detail: info.Detail})
}

func (s *KVState) decodeDeals(prefix []byte) ([]*Deal, error) {
	out := make([]*Deal, 0)
	err := s.db.Iterate(prefix, func(_, value []byte) error {
		var rec dealRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("decode deal: %w", err)
		}
		deal, err := rec.toDeal()
		if err != nil {
			return err
		}
		out = append(out, deal)
		return nil
	})
	return out, err
}

func (s *KVState) nextSeq(key []byte) (uint64, error) {
	var current uint64
	raw, err := s.db.Get(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if len(raw) != 8 {
			return 0, fmt.Errorf("otc: corrupt counter %s", key)
		}
		current = binary.BigEndian.Uint64(raw)
	}
	next := current + 1
	if err := s.db.Put(key, encodeUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *KVState) load(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("otc: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *KVState) store(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("otc: encode %s: %w", key, err)
	}
	return s.db.Put(key, encoded)
}

func newPostRecord(p *Post) *postRecord {
	return &postRecord{
		ID:            p.ID,
		DealerBuy:     p.DealerBuy,
		Asset:         p.Asset,
		Amount:        cloneAmount(p.Amount),
		MinAmount:     cloneAmount(p.MinAmount),
		Currency:      p.Currency,
		Price:         p.Price.String(),
		DealerDeposit: p.DealerDeposit,
		Dealer:        p.Dealer,
		State:         uint8(p.State),
		Expiry:        unixToRecord(p.Expiry),
	}
}

func (r *postRecord) toPost() (*Post, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("otc: decode post %d price: %w", r.ID, err)
	}
	return &Post{
		ID:            r.ID,
		DealerBuy:     r.DealerBuy,
		Asset:         r.Asset,
		Amount:        cloneAmount(r.Amount),
		MinAmount:     cloneAmount(r.MinAmount),
		Currency:      r.Currency,
		Price:         price,
		DealerDeposit: r.DealerDeposit,
		Dealer:        r.Dealer,
		State:         PostState(r.State),
		Expiry:        int64(r.Expiry),
	}, nil
}

func newDealRecord(d *Deal) *dealRecord {
	rec := &dealRecord{
		ID:              d.ID,
		PostID:          d.PostID,
		DealerBuy:       d.DealerBuy,
		Asset:           d.Asset,
		Amount:          cloneAmount(d.Amount),
		Currency:        d.Currency,
		Price:           d.Price.String(),
		DealerDeposit:   d.DealerDeposit,
		CustomerDeposit: d.CustomerDeposit,
		Dealer:          d.Dealer,
		Customer:        d.Customer,
		State:           uint8(d.State),
		Expiry:          unixToRecord(d.Expiry),
	}
	if d.Resolver != nil {
		rec.HasResolver = true
		rec.Resolver = *d.Resolver
	}
	return rec
}

func (r *dealRecord) toDeal() (*Deal, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("otc: decode deal %d price: %w", r.ID, err)
	}
	deal := &Deal{
		ID:              r.ID,
		PostID:          r.PostID,
		DealerBuy:       r.DealerBuy,
		Asset:           r.Asset,
		Amount:          cloneAmount(r.Amount),
		Currency:        r.Currency,
		Price:           price,
		DealerDeposit:   r.DealerDeposit,
		CustomerDeposit: r.CustomerDeposit,
		Dealer:          r.Dealer,
		Customer:        r.Customer,
		State:           DealState(r.State),
		Expiry:          int64(r.Expiry),
	}
	if r.HasResolver {
		resolver := r.Resolver
		deal.Resolver = &resolver
	}
	return deal, nil
}

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func unixToRecord(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}
