package otc

import (
	"math/big"

	"p2potc/crypto"
)

// State is the persistence surface the engine mutates. Implementations must
// treat Post and Deal ids as unique keys; iteration order carries no meaning.
type State interface {
	ConfigGet() (*Config, bool, error)
	ConfigPut(*Config) error

	// NextPostID and NextDealID return the next id of a counter starting at 1.
	NextPostID() (uint64, error)
	NextDealID() (uint64, error)
	NextSweepID() (uint64, error)

	PostGet(id uint64) (*Post, bool, error)
	PostPut(*Post) error
	PostDelete(id uint64) error
	Posts() ([]*Post, error)

	DealGet(id uint64) (*Deal, bool, error)
	DealPut(*Deal) error
	DealDelete(id uint64) error
	Deals() ([]*Deal, error)

	// ArchiveAppend records a terminated deal. Archiving the same deal id
	// twice is an error.
	ArchiveAppend(*Deal) error
	Archive() ([]*Deal, error)

	RevenueGet() (*big.Int, error)
	RevenuePut(*big.Int) error

	ModeratorsGet() ([]crypto.Address, error)
	ModeratorsPut([]crypto.Address) error

	PaymentInfoGet(crypto.Address) (*PaymentInfo, bool, error)
	PaymentInfoPut(crypto.Address, *PaymentInfo) error
}
