package pool

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Defaults applied to pools stored before per-pool settings existed.
const (
	DefaultVotingPeriodSeconds int64                   = 7 * 24 * 60 * 60
	DefaultMaxRejections       int64                   = 3
	DefaultCancelSupermajority poolmachine.BasisPoints = 6667
)

type migration struct {
	from  int64
	apply func(s *State) error
}

// migrations upgrade a stored State one schema version at a time. Version 0 is a state written
// before the version field existed and is treated as version 1.
var migrations = []migration{
	{from: 1, apply: func(s *State) error {
		// 2 introduced per-pool settings
		if s.Settings.VotingPeriodSeconds == 0 {
			s.Settings.VotingPeriodSeconds = DefaultVotingPeriodSeconds
		}
		if s.Settings.MaxRejections == 0 {
			s.Settings.MaxRejections = DefaultMaxRejections
		}
		if s.Settings.CancelSupermajorityBps == 0 {
			s.Settings.CancelSupermajorityBps = DefaultCancelSupermajority
		}
		return nil
	}},
	{from: 2, apply: func(s *State) error {
		// 3 tracks escrow separately instead of deriving it on read
		if s.Escrow == 0 {
			s.Escrow = s.TotalRaised + s.Yield - s.Released - s.Refunded
		}
		if s.Stakes == nil {
			s.Stakes = make(map[poolmachine.Account]poolmachine.Amount)
		}
		if s.TxRefs == nil {
			s.TxRefs = make(map[string]bool)
		}
		for i := range s.Milestones {
			b := &s.Milestones[i].Ballot
			if b.Votes == nil {
				b.Votes = make(map[poolmachine.Account]Vote)
			}
			if b.Snapshot == nil {
				b.Snapshot = make(map[poolmachine.Account]poolmachine.Amount)
			}
		}
		return nil
	}},
}

// Migrate brings a stored state up to SchemaVersion.
func Migrate(s *State) error {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = 1
	}
	if s.SchemaVersion > SchemaVersion {
		return fmt.Errorf("pool %s has schema %d, this build understands up to %d", s.ID, s.SchemaVersion, SchemaVersion)
	}
	for _, m := range migrations {
		if s.SchemaVersion != m.from {
			continue
		}
		if err := m.apply(s); err != nil {
			return fmt.Errorf("migrating pool %s from schema %d: %w", s.ID, m.from, err)
		}
		s.SchemaVersion = m.from + 1
		poolmachine.LogCLI(fmt.Sprintf("pool %s migrated to schema %d", s.ID, s.SchemaVersion), 4)
	}
	return nil
}

func (p *Pool) Save(w io.Writer) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return json.NewEncoder(w).Encode(p.state)
}

// Load reads a stored state and binds it to deps.
func Load(r io.Reader, deps Deps) (*Pool, error) {
	var s State
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}
	return Restore(&s, deps)
}
