package otc

import (
	"math/big"
	"strconv"

	"p2potc/crypto"
)

const (
	EventTypePostCreated           = "otc.post.created"
	EventTypePostFunded            = "otc.post.funded"
	EventTypePostCancelled         = "otc.post.cancelled"
	EventTypePostRemoved           = "otc.post.removed"
	EventTypeDealEntered           = "otc.deal.entered"
	EventTypeDealFunded            = "otc.deal.funded"
	EventTypeDealTransferConfirmed = "otc.deal.transfer_confirmed"
	EventTypeDealDisputed          = "otc.deal.disputed"
	EventTypeDealResolved          = "otc.deal.resolved"
	EventTypeDealCancelled         = "otc.deal.cancelled"
	EventTypeDealForceWithdrawn    = "otc.deal.force_withdrawn"
	EventTypeDealDeleted           = "otc.deal.deleted"
	EventTypeRevenueSwept          = "otc.revenue.swept"
	EventTypeConfigUpdated         = "otc.config.updated"
	EventTypeAssetsUpdated         = "otc.config.assets_updated"
	EventTypeModeratorAdded        = "otc.moderator.added"
	EventTypeModeratorRemoved      = "otc.moderator.removed"
	EventTypePaymentInfoRegistered = "otc.payment_info.registered"
)

// Event is the payload emitted for every engine state change.
type Event struct {
	Type  string
	Attrs map[string]string
}

func (e Event) EventType() string { return e.Type }

func (e Event) Attributes() map[string]string { return e.Attrs }

func newPostEvent(eventType string, p *Post) Event {
	return Event{Type: eventType, Attrs: map[string]string{
		"postId":    formatID(p.ID),
		"dealer":    p.Dealer.String(),
		"asset":     p.Asset,
		"amount":    formatAmount(p.Amount),
		"dealerBuy": strconv.FormatBool(p.DealerBuy),
		"state":     p.State.String(),
	}}
}

func newDealEvent(eventType string, d *Deal) Event {
	attrs := map[string]string{
		"dealId":   formatID(d.ID),
		"postId":   formatID(d.PostID),
		"dealer":   d.Dealer.String(),
		"customer": d.Customer.String(),
		"asset":    d.Asset,
		"amount":   formatAmount(d.Amount),
		"state":    d.State.String(),
	}
	if d.Expiry > 0 {
		attrs["expiry"] = strconv.FormatInt(d.Expiry, 10)
	}
	if d.Resolver != nil {
		attrs["resolver"] = d.Resolver.String()
	}
	return Event{Type: eventType, Attrs: attrs}
}

func newAddressEvent(eventType string, addr crypto.Address) Event {
	return Event{Type: eventType, Attrs: map[string]string{"address": addr.String()}}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
