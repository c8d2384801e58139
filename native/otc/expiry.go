package otc

import "p2potc/crypto"

const (
	// DealWindowSecs is how long the obligated party has to act on a deal.
	DealWindowSecs int64 = 6 * 60 * 60
	// DisputeWindowSecs is stamped on a deal entering dispute. Adjudication
	// itself is not time limited.
	DisputeWindowSecs int64 = 10 * 24 * 60 * 60
	// PostWindowSecs is recorded on new posts; no transition consults it.
	PostWindowSecs int64 = 5 * 24 * 60 * 60
)

// Windows groups the expiry durations, in seconds.
type Windows struct {
	Deal    int64
	Dispute int64
	Post    int64
}

// DefaultWindows returns the standard durations.
func DefaultWindows() Windows {
	return Windows{Deal: DealWindowSecs, Dispute: DisputeWindowSecs, Post: PostWindowSecs}
}

func (w Windows) withDefaults() Windows {
	def := DefaultWindows()
	if w.Deal <= 0 {
		w.Deal = def.Deal
	}
	if w.Dispute <= 0 {
		w.Dispute = def.Dispute
	}
	if w.Post <= 0 {
		w.Post = def.Post
	}
	return w
}

// pastExpiry reports whether now is at or after the deal's deadline.
func pastExpiry(d *Deal, now int64) bool {
	return d.Expiry <= now
}

// requireExpired fails with DealNotExpiredError while the deal is still on the clock.
func requireExpired(d *Deal, now int64) error {
	if pastExpiry(d, now) {
		return nil
	}
	return &DealNotExpiredError{Expiry: d.Expiry}
}

// requireTurn admits only the obligated party before expiry and either party
// afterwards. Before expiry the other party gets DealNotExpiredError and an
// outsider gets wrongParty.
func requireTurn(d *Deal, now int64, caller, obligated crypto.Address, wrongParty error) error {
	if !pastExpiry(d, now) {
		switch {
		case caller == obligated:
			return nil
		case d.IsParty(caller):
			return &DealNotExpiredError{Expiry: d.Expiry}
		default:
			return wrongParty
		}
	}
	if !d.IsParty(caller) {
		return ErrUnauthorized
	}
	return nil
}
