package pool

import (
	"poolmachine/poolmachine"
)

func (b Ballot) clone() Ballot {
	c := b
	c.Votes = make(map[poolmachine.Account]Vote, len(b.Votes))
	for k, v := range b.Votes {
		c.Votes[k] = v
	}
	c.Snapshot = make(map[poolmachine.Account]poolmachine.Amount, len(b.Snapshot))
	for k, v := range b.Snapshot {
		c.Snapshot[k] = v
	}
	return c
}

// clone returns a deep copy that an operation can modify without touching committed state.
func (s *State) clone() *State {
	c := *s
	c.Config.Delegates = append([]poolmachine.Account(nil), s.Config.Delegates...)
	c.Milestones = make([]Milestone, len(s.Milestones))
	for i, m := range s.Milestones {
		m.Ballot = m.Ballot.clone()
		m.Revisions = append([]string(nil), m.Revisions...)
		c.Milestones[i] = m
	}
	c.Contributions = append([]Contribution(nil), s.Contributions...)
	c.Contributors = append([]poolmachine.Account(nil), s.Contributors...)
	c.Stakes = make(map[poolmachine.Account]poolmachine.Amount, len(s.Stakes))
	for k, v := range s.Stakes {
		c.Stakes[k] = v
	}
	c.TxRefs = make(map[string]bool, len(s.TxRefs))
	for k, v := range s.TxRefs {
		c.TxRefs[k] = v
	}
	if s.Cancellation != nil {
		b := s.Cancellation.clone()
		c.Cancellation = &b
	}
	return &c
}
