package pool

import (
	"github.com/montanaflynn/stats"

	"poolmachine/poolmachine"
)

func (p *Pool) Stats() Stats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	s := p.state
	out := Stats{
		TotalRaised:    s.TotalRaised,
		MemberCount:    int64(len(s.Contributors)),
		MilestoneCount: int64(len(s.Milestones)),
		Escrow:         s.Escrow,
		Yield:          s.Yield,
		Released:       s.Released,
		Refunded:       s.Refunded,
		FeesCharged:    s.FeesCharged,
	}
	for _, m := range s.Milestones {
		if m.Status == Released {
			out.ReleasedCount++
		}
	}
	out.FundingProgressBps = poolmachine.Bps(s.TotalRaised, s.Config.Goal)
	if out.FundingProgressBps > poolmachine.MaxBasisPoints {
		out.FundingProgressBps = poolmachine.MaxBasisPoints
	}
	return out
}

// ContributionSummary describes the size of individual contributions.
func (p *Pool) ContributionSummary() Summary {
	p.mutex.RLock()
	var data stats.Float64Data
	for _, c := range p.state.Contributions {
		data = append(data, float64(c.Amount))
	}
	p.mutex.RUnlock()
	if len(data) == 0 {
		return Summary{}
	}
	out := Summary{Count: int64(len(data))}
	out.Mean, _ = data.Mean()
	out.Median, _ = data.Median()
	out.Max, _ = data.Max()
	return out
}

func (p *Pool) Milestones() []Milestone {
	return p.State().Milestones
}

func (p *Pool) Contributions() []Contribution {
	return p.State().Contributions
}

func (p *Pool) Stake(a poolmachine.Account) poolmachine.Amount {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.state.Stakes[a]
}

func (p *Pool) StateHash() poolmachine.HashSeq {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	s := p.state
	var hs poolmachine.HashSeq
	hs.Component = "pool:" + s.ID
	hs.Sequence = s.Sequence
	hs.Append(s.ID, s.Address, s.Creator, string(s.Status), s.TotalRaised, s.Yield, s.Released, s.Refunded, s.Escrow)
	for _, m := range s.Milestones {
		hs.Append(m.ID, m.Amount, string(m.Status), m.Rejections, m.Ballot.VotesFor, m.Ballot.VotesAgainst)
	}
	for _, c := range s.Contributions {
		hs.Append(c.Contributor, c.Amount, c.TxRef, c.Timestamp)
	}
	hs.S256()
	return hs
}
