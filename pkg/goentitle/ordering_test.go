package goentitle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderKey_After(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(101, 0)

	tests := []struct {
		name string
		a, b OrderKey
		want bool
	}{
		{"later timestamp wins", OrderKey{At: t1, Rank: RankGrant, EventID: "a"}, OrderKey{At: t0, Rank: RankRevoke, EventID: "z"}, true},
		{"earlier timestamp loses", OrderKey{At: t0, Rank: RankRevoke, EventID: "z"}, OrderKey{At: t1, Rank: RankGrant, EventID: "a"}, false},
		{"revoke beats grant at tie", OrderKey{At: t0, Rank: RankRevoke, EventID: "a"}, OrderKey{At: t0, Rank: RankGrant, EventID: "z"}, true},
		{"grant loses to revoke at tie", OrderKey{At: t0, Rank: RankGrant, EventID: "z"}, OrderKey{At: t0, Rank: RankRevoke, EventID: "a"}, false},
		{"event id breaks full tie", OrderKey{At: t0, Rank: RankGrant, EventID: "evt_b"}, OrderKey{At: t0, Rank: RankGrant, EventID: "evt_a"}, true},
		{"identical key is not after", OrderKey{At: t0, Rank: RankGrant, EventID: "evt_a"}, OrderKey{At: t0, Rank: RankGrant, EventID: "evt_a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.After(tt.b))
		})
	}
}

func TestOrderKey_Supersedes(t *testing.T) {
	ev := &VerifiedEvent{ID: "evt_1", CreatedAt: time.Unix(5, 0)}

	assert.True(t, KeyOf(ev, true).Supersedes(nil))
	assert.True(t, KeyOf(ev, true).Supersedes(&EntitlementState{AccountID: "u1"}))

	state := &EntitlementState{
		AccountID:     "u1",
		LastEventID:   "evt_0",
		Watermark:     time.Unix(8, 0),
		WatermarkRank: RankRevoke,
	}
	assert.False(t, KeyOf(ev, true).Supersedes(state))
	assert.False(t, KeyOf(ev, false).Supersedes(state))

	later := &VerifiedEvent{ID: "evt_2", CreatedAt: time.Unix(9, 0)}
	assert.True(t, KeyOf(later, true).Supersedes(state))
}

func TestEffectRank(t *testing.T) {
	assert.Equal(t, RankGrant, EffectRank(true))
	assert.Equal(t, RankRevoke, EffectRank(false))
}
