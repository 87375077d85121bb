package pool

import (
	"math/big"
	"sort"

	"github.com/sasha-s/go-deadlock"

	"poolmachine/poolmachine"
)

type Outcome int

const (
	Pending Outcome = iota
	Approve
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	}
	return "pending"
}

// Rule is the approval method a ballot is tallied with.
type Rule struct {
	Method    poolmachine.ApprovalMethod
	Threshold int64
	Creator   poolmachine.Account
}

// Share is one holder's part of a pro-rata distribution.
type Share struct {
	Account poolmachine.Account
	Weight  poolmachine.Amount
}

// Logic is the behaviour every pool instance delegates to. Instances hold only State, so swapping
// the Logic upgrades every pool at once.
type Logic interface {
	Version() int64
	// Tally decides a ballot. With final set the voting window has closed and Pending is not a
	// valid answer.
	Tally(rule Rule, ballot *Ballot, final bool) Outcome
	// Allocate splits total across shares; the parts must sum to total exactly.
	Allocate(total poolmachine.Amount, shares []Share) []poolmachine.Amount
}

// Shared is the single logic module referenced by every pool.
type Shared struct {
	logic Logic
	mutex *deadlock.RWMutex
}

func NewShared(logic Logic) *Shared {
	if logic == nil {
		logic = Standard{}
	}
	return &Shared{logic: logic, mutex: &deadlock.RWMutex{}}
}

func (s *Shared) Logic() Logic {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.logic
}

// Swap installs a new logic module and returns the previous one.
func (s *Shared) Swap(logic Logic) Logic {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	previous := s.logic
	s.logic = logic
	return previous
}

// Standard is the stock approval and refund logic.
type Standard struct{}

func (Standard) Version() int64 { return 1 }

func (Standard) Tally(rule Rule, b *Ballot, final bool) Outcome {
	switch rule.Method {
	case poolmachine.ApprovalCreatorOnly:
		if v, ok := b.Votes[rule.Creator]; ok {
			if v.Support {
				return Approve
			}
			return Reject
		}
	case poolmachine.ApprovalMajority:
		remaining := b.remainingVoters()
		if b.VotersFor > b.VotersAgainst+remaining {
			return Approve
		}
		if b.VotersFor+remaining <= b.VotersAgainst && b.VotersFor+b.VotersAgainst > 0 {
			return Reject
		}
		if final && b.VotersFor > b.VotersAgainst {
			return Approve
		}
	case poolmachine.ApprovalPercentageThreshold:
		if b.EligibleStake <= 0 {
			break
		}
		if poolmachine.MeetsBps(b.VotesFor, b.EligibleStake, rule.Threshold) {
			return Approve
		}
		if !poolmachine.MeetsBps(b.VotesFor+b.remainingStake(), b.EligibleStake, rule.Threshold) {
			return Reject
		}
	case poolmachine.ApprovalFixedVoteCount:
		if b.VotersFor >= rule.Threshold {
			return Approve
		}
		if b.VotersFor+b.remainingVoters() < rule.Threshold {
			return Reject
		}
	}
	if final {
		return Reject
	}
	return Pending
}

// Allocate gives each share the floor of its pro-rata part, then hands the leftover units to the
// largest remainders, earliest share first on ties.
func (Standard) Allocate(total poolmachine.Amount, shares []Share) []poolmachine.Amount {
	out := make([]poolmachine.Amount, len(shares))
	var weight poolmachine.Amount
	for _, s := range shares {
		weight += s.Weight
	}
	if total <= 0 || weight <= 0 {
		return out
	}
	type rem struct {
		index int
		value *big.Int
	}
	var given poolmachine.Amount
	remainders := make([]rem, len(shares))
	for i, s := range shares {
		out[i] = poolmachine.MulDiv(total, s.Weight, weight)
		given += out[i]
		// remainder of total*weight/sum, comparable across shares
		r := new(big.Int).Mul(big.NewInt(total), big.NewInt(s.Weight))
		remainders[i] = rem{index: i, value: r.Mod(r, big.NewInt(weight))}
	}
	sort.SliceStable(remainders, func(i, j int) bool {
		return remainders[i].value.Cmp(remainders[j].value) > 0
	})
	for i := 0; given < total; i++ {
		out[remainders[i%len(remainders)].index]++
		given++
	}
	return out
}
