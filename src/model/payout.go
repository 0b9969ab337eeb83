package model

import (
	"fmt"
	"math/big"
	"sort"
	"time"
)

// StashAddr is an SS58-encoded stash account address. Stashes are opaque
// identities here; decoding to raw public keys happens at the chain boundary.
type StashAddr string

// ExposureSummary is the per-(validator, era) staking exposure as reported by
// the chain, in either the paged or the legacy clipped representation.
type ExposureSummary struct {
	TotalStake     *big.Int
	OwnStake       *big.Int
	NominatorCount uint32
	PageCount      uint32
	Paged          bool // true when derived from the paged storage item
}

// Active reports whether the validator had any stake backing it that era.
func (e *ExposureSummary) Active() bool {
	return e != nil && e.TotalStake != nil && e.TotalStake.Sign() > 0
}

// EraPayoutStatus is the canonical record of what is known about one
// validator/era: how many reward pages exist and which are already claimed.
// TotalPages == 0 means the validator had no exposure that era.
type EraPayoutStatus struct {
	Validator    StashAddr `json:"validator"`
	Era          uint32    `json:"era"`
	TotalPages   uint32    `json:"total_pages"`
	ClaimedPages []uint32  `json:"claimed_pages"`
	LastChecked  time.Time `json:"last_checked"`
}

// Unclaimed derives the unclaimed page set [0, TotalPages) \ ClaimedPages,
// sorted ascending. Claimed entries outside the valid range are ignored.
func (s *EraPayoutStatus) Unclaimed() []uint32 {
	if s.TotalPages == 0 {
		return nil
	}
	claimed := make(map[uint32]bool, len(s.ClaimedPages))
	for _, p := range s.ClaimedPages {
		claimed[p] = true
	}
	var out []uint32
	for p := uint32(0); p < s.TotalPages; p++ {
		if !claimed[p] {
			out = append(out, p)
		}
	}
	return out
}

// FullyClaimed reports whether every page of this era has been paid out
// already. An inactive era (zero pages) counts as fully claimed.
func (s *EraPayoutStatus) FullyClaimed() bool {
	return len(s.Unclaimed()) == 0
}

// UnclaimedPayout is a view over an EraPayoutStatus: the pages still owed for
// one validator/era. It is derived on demand and never persisted.
type UnclaimedPayout struct {
	Validator StashAddr
	Era       uint32
	Pages     []uint32
}

func (u UnclaimedPayout) String() string {
	return fmt.Sprintf("%s era %d pages %v", u.Validator, u.Era, u.Pages)
}

// PageCount sums the pages across a set of unclaimed payouts, i.e. the number
// of claim transactions a submission would need.
func PageCount(payouts []UnclaimedPayout) int {
	total := 0
	for _, p := range payouts {
		total += len(p.Pages)
	}
	return total
}

// NormalizePages converts a raw claimed-pages value from chain state into a
// canonical sorted, deduplicated set. The chain reports this value in several
// shapes (absent, a bare index, or a list); collaborators funnel all of them
// through here so the rest of the system only ever sees the canonical form.
func NormalizePages(raw []uint32) []uint32 {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[uint32]bool, len(raw))
	out := make([]uint32, 0, len(raw))
	for _, p := range raw {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MergePages unions two canonical page sets into a new canonical set.
func MergePages(a, b []uint32) []uint32 {
	return NormalizePages(append(append([]uint32{}, a...), b...))
}
