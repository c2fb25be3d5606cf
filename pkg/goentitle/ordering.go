package goentitle

import "time"

// Tie-break ranks. At equal timestamps a revocation outranks a grant, so a
// cancellation always precedes an activation. The rank follows the effect the
// event has on the account, not its kind alone: subscription_canceled and a
// subscription update into a status outside the entitled set both count as a
// cancellation, while payments, paid invoices and updates into an entitled
// status count as an activation.
const (
	RankGrant  = 0
	RankRevoke = 1
)

// EffectRank returns the tie-break rank for an entitlement value.
func EffectRank(entitled bool) int {
	if entitled {
		return RankGrant
	}
	return RankRevoke
}

// OrderKey orders entitlement-changing events for one account.
type OrderKey struct {
	At      time.Time
	Rank    int
	EventID string
}

// KeyOf returns the ordering key of an event that would set entitled.
func KeyOf(ev *VerifiedEvent, entitled bool) OrderKey {
	return OrderKey{At: ev.CreatedAt, Rank: EffectRank(entitled), EventID: ev.ID}
}

// KeyOfState returns the ordering key stored on state.
func KeyOfState(state *EntitlementState) OrderKey {
	return OrderKey{At: state.Watermark, Rank: state.WatermarkRank, EventID: state.LastEventID}
}

// After reports whether k sorts strictly after other.
func (k OrderKey) After(other OrderKey) bool {
	if !k.At.Equal(other.At) {
		return k.At.After(other.At)
	}
	if k.Rank != other.Rank {
		return k.Rank > other.Rank
	}
	return k.EventID > other.EventID
}

// Supersedes reports whether an event with key k may overwrite state.
// A state that no event has touched yet is superseded by anything.
func (k OrderKey) Supersedes(state *EntitlementState) bool {
	if state == nil || state.LastEventID == "" {
		return true
	}
	return k.After(KeyOfState(state))
}
