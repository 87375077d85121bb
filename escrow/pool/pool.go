/*
Package pool is a single funding campaign: its escrow, its contributors and the milestone votes
that gate every release of funds.

Every mutating operation is serialized per pool and runs in three steps. Checks and effects are
applied to a working copy of the state, the copy is committed, and only then are transfers handed
to the custody ledger. A failed transfer puts the previous state back. Transfers run with a context
that marks the pool as executing, and any mutating call that arrives with that mark is refused.
*/
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"

	"poolmachine/escrow/ledger"
	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

// Custody executes transfer batches atomically.
type Custody interface {
	Execute(ctx context.Context, transfers []ledger.Transfer) error
}

// StatusSink is told whenever the pool's lifecycle status changes.
type StatusSink interface {
	SetStatus(caller poolmachine.Account, poolID poolmachine.PoolID, status registry.Status) error
}

// Deps are the collaborators a pool is bound to. Everything except Shared and Custody is optional.
type Deps struct {
	Shared   *Shared
	Custody  Custody
	Registry StatusSink
	Events   events.Emitter
	Paused   func() bool
	Now      func() int64
}

type Pool struct {
	deps  Deps
	state *State
	op    *deadlock.Mutex   //serializes mutating operations
	mutex *deadlock.RWMutex //guards state
}

type executing struct {
	pool poolmachine.PoolID
}

// Genesis describes a new pool.
type Genesis struct {
	ID         poolmachine.PoolID
	Address    poolmachine.Account
	Creator    poolmachine.Account
	Operator   poolmachine.Account
	Config     Config
	Milestones []MilestoneSpec
	Settings   Settings
}

// ValidateSplit checks that the milestone percentages are positive and add up to 100%.
func ValidateSplit(specs []MilestoneSpec) error {
	if len(specs) == 0 {
		return poolmachine.ErrInvalidMilestoneSplit.With("a pool needs at least one milestone")
	}
	var sum poolmachine.BasisPoints
	seen := make(map[string]struct{})
	for _, m := range specs {
		if m.Percentage <= 0 {
			return poolmachine.ErrInvalidMilestoneSplit.With("milestone %s has no share", m.ID)
		}
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			return poolmachine.ErrInvalidMilestoneSplit.With("milestone id %q is not unique", m.ID)
		}
		seen[m.ID] = struct{}{}
		sum += m.Percentage
	}
	if sum != poolmachine.MaxBasisPoints {
		return poolmachine.ErrInvalidMilestoneSplit.With("milestones add up to %d bps", sum)
	}
	return nil
}

// New builds a pool in Draft with every milestone Locked.
func New(g Genesis, deps Deps) (*Pool, error) {
	if deps.Shared == nil || deps.Custody == nil {
		return nil, fmt.Errorf("a pool needs a logic module and custody")
	}
	if err := g.Config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSplit(g.Milestones); err != nil {
		return nil, err
	}
	p := &Pool{deps: deps, op: &deadlock.Mutex{}, mutex: &deadlock.RWMutex{}}
	if g.Config.PayoutAddress == "" {
		g.Config.PayoutAddress = g.Creator
	}
	s := &State{
		SchemaVersion: SchemaVersion,
		ID:            g.ID,
		Address:       g.Address,
		Creator:       g.Creator,
		Operator:      g.Operator,
		Config:        g.Config,
		Settings:      g.Settings,
		Status:        registry.Draft,
		Stakes:        make(map[poolmachine.Account]poolmachine.Amount),
		TxRefs:        make(map[string]bool),
		CreatedAt:     p.now(),
	}
	var allocated poolmachine.Amount
	for i, spec := range g.Milestones {
		amount := poolmachine.ApplyBps(g.Config.Goal, spec.Percentage)
		if i == len(g.Milestones)-1 {
			amount = g.Config.Goal - allocated
		}
		allocated += amount
		s.Milestones = append(s.Milestones, Milestone{
			ID:          spec.ID,
			Title:       spec.Title,
			Description: spec.Description,
			Percentage:  spec.Percentage,
			Amount:      amount,
			Status:      Locked,
		})
	}
	p.state = s
	return p, nil
}

// Restore binds a stored state to deps, migrating it to the current schema first.
func Restore(s *State, deps Deps) (*Pool, error) {
	if deps.Shared == nil || deps.Custody == nil {
		return nil, fmt.Errorf("a pool needs a logic module and custody")
	}
	if err := Migrate(s); err != nil {
		return nil, err
	}
	if err := checkConservation(s); err != nil {
		return nil, err
	}
	return &Pool{deps: deps, state: s, op: &deadlock.Mutex{}, mutex: &deadlock.RWMutex{}}, nil
}

func (p *Pool) now() int64 {
	if p.deps.Now != nil {
		return p.deps.Now()
	}
	return time.Now().Unix()
}

func (p *Pool) paused() bool {
	return p.deps.Paused != nil && p.deps.Paused()
}

// result is what an operation hands back to mutate after changing the working copy.
type result struct {
	transfers []ledger.Transfer
	events    []events.Event
}

func (r *result) emit(w *State, kind events.Kind, at int64, body interface{}) {
	w.Sequence++
	r.events = append(r.events, events.Event{
		Kind:      kind,
		PoolID:    w.ID,
		Sequence:  w.Sequence,
		Timestamp: at,
		Body:      body,
	})
}

func (r *result) pay(w *State, to poolmachine.Account, amount poolmachine.Amount, memo string) {
	r.transfers = append(r.transfers, ledger.Transfer{
		From:     w.Address,
		To:       to,
		Amount:   amount,
		Currency: w.Config.Currency,
		Memo:     memo,
	})
}

// mutate runs one atomic operation. Cancellation and refund paths set allowPaused.
func (p *Pool) mutate(ctx context.Context, name string, allowPaused bool, fn func(w *State, r *result) error) error {
	if ctx.Value(executing{p.ID()}) != nil {
		return poolmachine.ErrReentrancyBlocked.With("%s called while %s is executing", name, p.ID())
	}
	if p.paused() && !allowPaused {
		return poolmachine.ErrPaused.With("%s", name)
	}
	p.op.Lock()
	defer p.op.Unlock()

	p.mutex.RLock()
	previous := p.state
	w := previous.clone()
	p.mutex.RUnlock()

	r := &result{}
	if err := fn(w, r); err != nil {
		return err
	}
	if err := checkConservation(w); err != nil {
		poolmachine.LogCLI(fmt.Sprintf("%s on pool %s aborted: %s", name, w.ID, err), 1)
		return err
	}

	p.mutex.Lock()
	p.state = w
	p.mutex.Unlock()

	if len(r.transfers) > 0 {
		marked := context.WithValue(ctx, executing{w.ID}, true)
		if err := p.deps.Custody.Execute(marked, r.transfers); err != nil {
			p.mutex.Lock()
			p.state = previous
			p.mutex.Unlock()
			poolmachine.LogCLI(fmt.Sprintf("%s on pool %s rolled back: %s", name, w.ID, err), 2)
			if errors.Is(err, poolmachine.ErrTransferFailed) {
				return err
			}
			return poolmachine.ErrTransferFailed.With("%s", err)
		}
	}
	if previous.Status != w.Status && p.deps.Registry != nil {
		if err := p.deps.Registry.SetStatus(w.Address, w.ID, w.Status); err != nil {
			poolmachine.LogCLI(fmt.Sprintf("registry did not accept %s for pool %s: %s", w.Status, w.ID, err), 1)
		}
	}
	if p.deps.Events != nil {
		for _, e := range r.events {
			p.deps.Events.Emit(e)
		}
	}
	poolmachine.LogCLI(fmt.Sprintf("%s committed on pool %s", name, w.ID), 5)
	return nil
}

// checkConservation verifies the escrow accounting of a state.
func checkConservation(s *State) error {
	if s.Escrow < 0 {
		return poolmachine.ErrInsufficientEscrow.With("escrow of %s is negative", s.ID)
	}
	if s.Escrow != s.TotalRaised+s.Yield-s.Released-s.Refunded-s.FeesCharged {
		return poolmachine.ErrInsufficientEscrow.With("escrow of %s does not balance", s.ID)
	}
	var contributed, staked, released poolmachine.Amount
	for _, c := range s.Contributions {
		contributed += c.Amount
	}
	for _, v := range s.Stakes {
		staked += v
	}
	for _, m := range s.Milestones {
		if m.Status == Released {
			released += m.Amount
		}
		if m.Ballot.VotesFor+m.Ballot.VotesAgainst > m.Ballot.EligibleStake {
			return poolmachine.ErrInsufficientEscrow.With("milestone %s has more weight cast than eligible", m.ID)
		}
	}
	if contributed != s.TotalRaised || staked != s.TotalRaised {
		return poolmachine.ErrInsufficientEscrow.With("contributions of %s do not match the amount raised", s.ID)
	}
	if released != s.Released {
		return poolmachine.ErrInsufficientEscrow.With("released milestones of %s do not match the amount released", s.ID)
	}
	return nil
}

func (p *Pool) ID() poolmachine.PoolID {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.state.ID
}

func (p *Pool) Address() poolmachine.Account {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.state.Address
}

func (p *Pool) Status() registry.Status {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.state.Status
}

// State returns a copy of the pool's state.
func (p *Pool) State() State {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return *p.state.clone()
}

func (w *State) milestone(id string) (*Milestone, error) {
	for i := range w.Milestones {
		if w.Milestones[i].ID == id {
			return &w.Milestones[i], nil
		}
	}
	return nil, poolmachine.ErrUnknownMilestone.With("%s has no milestone %s", w.ID, id)
}

func (w *State) requireStatus(allowed ...registry.Status) error {
	for _, s := range allowed {
		if w.Status == s {
			return nil
		}
	}
	return poolmachine.ErrInvalidPoolState.With("%s is %s", w.ID, w.Status)
}

func (w *State) isDelegate(a poolmachine.Account) bool {
	return poolmachine.Contains(w.Config.Delegates, a)
}

func (w *State) setStatus(r *result, to registry.Status, at int64) {
	from := w.Status
	w.Status = to
	r.emit(w, events.KindPoolStatusChanged, at, events.PoolStatusChanged{PoolID: w.ID, From: string(from), To: string(to)})
}
