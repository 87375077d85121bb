package pool

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

func (w *State) rule() Rule {
	return Rule{Method: w.Config.ApprovalMethod, Threshold: w.Config.ApprovalThreshold, Creator: w.Creator}
}

// openBallot snapshots every current stake. Contributions made after this do not carry weight.
func (w *State) openBallot(now, deadline int64) Ballot {
	b := Ballot{
		Votes:    make(map[poolmachine.Account]Vote),
		Snapshot: make(map[poolmachine.Account]poolmachine.Amount),
		OpenedAt: now,
		Deadline: deadline,
	}
	for _, a := range w.Contributors {
		if stake := w.Stakes[a]; stake > 0 {
			b.Snapshot[a] = stake
			b.EligibleStake += stake
			b.EligibleVoters++
		}
	}
	return b
}

func proofText(url, description string) string {
	return url + "\n" + description
}

// SubmitMilestoneProof opens the vote on a Locked milestone.
func (p *Pool) SubmitMilestoneProof(ctx context.Context, milestoneID, proofURL, description string, submitter poolmachine.Account) error {
	return p.mutate(ctx, "SubmitMilestoneProof", false, func(w *State, r *result) error {
		if err := w.requireStatus(registry.Active); err != nil {
			return err
		}
		m, err := w.milestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Status != Locked {
			return poolmachine.ErrInvalidMilestoneState.With("milestone %s is %s", m.ID, m.Status)
		}
		allowed := submitter != "" && (submitter == w.Creator || w.isDelegate(submitter))
		if !allowed && w.Config.ApprovalMethod != poolmachine.ApprovalCreatorOnly {
			allowed = w.Stakes[submitter] > 0
		}
		if !allowed {
			return poolmachine.ErrUnauthorized.With("%s cannot submit proof for %s", submitter, m.ID)
		}
		if w.Settings.MaxRejections > 0 && m.Rejections >= w.Settings.MaxRejections {
			return poolmachine.ErrResubmissionLimit.With("milestone %s was rejected %d times", m.ID, m.Rejections)
		}
		now := p.now()
		dmp := diffmatchpatch.New()
		previous := ""
		if m.SubmittedAt > 0 {
			previous = proofText(m.ProofURL, m.ProofDescription)
		}
		patch := dmp.PatchMake(previous, proofText(proofURL, description))
		m.Revisions = append(m.Revisions, dmp.PatchToText(patch))

		m.Status = ProofSubmitted
		m.Submitter = submitter
		m.ProofURL = proofURL
		m.ProofDescription = description
		m.SubmittedAt = now
		m.Ballot = w.openBallot(now, now+w.Settings.VotingPeriodSeconds)
		r.emit(w, events.KindMilestoneProofSubmitted, now, events.MilestoneProofSubmitted{
			PoolID:      w.ID,
			MilestoneID: m.ID,
			ProofURL:    proofURL,
		})
		return nil
	})
}

// ProofHistory rebuilds every proof ever submitted for a milestone, oldest first.
func (p *Pool) ProofHistory(milestoneID string) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	m, err := p.state.milestone(milestoneID)
	if err != nil {
		return nil, err
	}
	dmp := diffmatchpatch.New()
	var history []string
	text := ""
	for i, revision := range m.Revisions {
		patches, err := dmp.PatchFromText(revision)
		if err != nil {
			return nil, err
		}
		var applied []bool
		text, applied = dmp.PatchApply(patches, text)
		for _, ok := range applied {
			if !ok {
				return nil, fmt.Errorf("revision %d of milestone %s does not apply", i, m.ID)
			}
		}
		history = append(history, text)
	}
	return history, nil
}

// CastVote records a stake-weighted vote and resolves the milestone as soon as the outcome is
// certain. On creator-only pools the creator's vote is the only one accepted and it is decisive.
func (p *Pool) CastVote(ctx context.Context, milestoneID string, voter poolmachine.Account, support bool) error {
	return p.mutate(ctx, "CastVote", false, func(w *State, r *result) error {
		if err := w.requireStatus(registry.Active); err != nil {
			return err
		}
		m, err := w.milestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Status != ProofSubmitted {
			return poolmachine.ErrInvalidMilestoneState.With("milestone %s is %s", m.ID, m.Status)
		}
		now := p.now()
		if now >= m.Ballot.Deadline {
			return poolmachine.ErrInvalidMilestoneState.With("voting on %s closed at %d", m.ID, m.Ballot.Deadline)
		}
		creatorOnly := w.Config.ApprovalMethod == poolmachine.ApprovalCreatorOnly
		if creatorOnly && voter != w.Creator {
			return poolmachine.ErrUnauthorized.With("only the creator decides milestones of %s", w.ID)
		}
		if _, voted := m.Ballot.Votes[voter]; voted {
			return poolmachine.ErrAlreadyVoted.With("%s on %s", voter, m.ID)
		}
		weight := m.Ballot.Snapshot[voter]
		if weight <= 0 && !creatorOnly {
			return poolmachine.ErrNotAContributor.With("%s had no stake when %s opened", voter, m.ID)
		}
		if weight < 0 {
			weight = 0
		}
		m.Ballot.Votes[voter] = Vote{Voter: voter, Milestone: m.ID, Support: support, Weight: weight, Timestamp: now}
		if !creatorOnly {
			if support {
				m.Ballot.VotesFor += weight
				m.Ballot.VotersFor++
			} else {
				m.Ballot.VotesAgainst += weight
				m.Ballot.VotersAgainst++
			}
		}
		r.emit(w, events.KindVoteCast, now, events.VoteCast{
			PoolID:      w.ID,
			MilestoneID: m.ID,
			Voter:       voter,
			Support:     support,
			Weight:      weight,
		})
		p.settle(w, r, m, p.deps.Shared.Logic().Tally(w.rule(), &m.Ballot, false), now)
		return nil
	})
}

// ResolveMilestone applies the final rule once the voting window has closed. An undecided vote is
// a rejection.
func (p *Pool) ResolveMilestone(ctx context.Context, caller poolmachine.Account, milestoneID string) error {
	return p.mutate(ctx, "ResolveMilestone", false, func(w *State, r *result) error {
		if err := w.requireStatus(registry.Active); err != nil {
			return err
		}
		m, err := w.milestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Status != ProofSubmitted {
			return poolmachine.ErrInvalidMilestoneState.With("milestone %s is %s", m.ID, m.Status)
		}
		now := p.now()
		if now < m.Ballot.Deadline {
			return poolmachine.ErrVotingOpen.With("%s closes at %d", m.ID, m.Ballot.Deadline)
		}
		outcome := p.deps.Shared.Logic().Tally(w.rule(), &m.Ballot, true)
		if outcome == Pending {
			outcome = Reject
		}
		poolmachine.LogCLI(caller+" resolved milestone "+m.ID+": "+outcome.String(), 4)
		p.settle(w, r, m, outcome, now)
		return nil
	})
}

// ReleaseMilestone pays out an Approved milestone that escrow could not cover when it was approved.
func (p *Pool) ReleaseMilestone(ctx context.Context, caller poolmachine.Account, milestoneID string) error {
	return p.mutate(ctx, "ReleaseMilestone", false, func(w *State, r *result) error {
		if caller == "" || (caller != w.Creator && caller != w.Operator && !w.isDelegate(caller)) {
			return poolmachine.ErrUnauthorized.With("%s cannot release funds of %s", caller, w.ID)
		}
		if err := w.requireStatus(registry.Active); err != nil {
			return err
		}
		m, err := w.milestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Status != Approved {
			return poolmachine.ErrInvalidMilestoneState.With("milestone %s is %s", m.ID, m.Status)
		}
		if !p.release(w, r, m, p.now()) {
			return poolmachine.ErrInsufficientEscrow.With("%s holds %d, milestone %s needs %d", w.ID, w.Escrow, m.ID, m.Amount)
		}
		return nil
	})
}

func (p *Pool) settle(w *State, r *result, m *Milestone, outcome Outcome, now int64) {
	if outcome == Pending {
		return
	}
	m.ResolvedAt = now
	r.emit(w, events.KindMilestoneResolved, now, events.MilestoneResolved{
		PoolID:       w.ID,
		MilestoneID:  m.ID,
		Approved:     outcome == Approve,
		VotesFor:     m.Ballot.VotesFor,
		VotesAgainst: m.Ballot.VotesAgainst,
	})
	if outcome == Reject {
		// rejected proofs go back to Locked for resubmission
		m.Rejections++
		m.Status = Locked
		return
	}
	m.Status = Approved
	p.release(w, r, m, now)
}

// release pays exactly the milestone amount out of escrow and completes the pool when it was the
// last one. It reports false when escrow is short.
func (p *Pool) release(w *State, r *result, m *Milestone, now int64) bool {
	if w.Escrow < m.Amount {
		poolmachine.LogCLI("milestone "+m.ID+" approved but escrow is short", 3)
		return false
	}
	m.Status = Released
	w.Escrow -= m.Amount
	w.Released += m.Amount
	r.pay(w, w.Config.PayoutAddress, m.Amount, "milestone "+m.ID)
	r.emit(w, events.KindFundsReleased, now, events.FundsReleased{
		PoolID:      w.ID,
		MilestoneID: m.ID,
		Amount:      m.Amount,
		Recipient:   w.Config.PayoutAddress,
	})
	for _, other := range w.Milestones {
		if other.Status != Released {
			return true
		}
	}
	p.refund(w, r, "surplus", now)
	w.setStatus(r, registry.Completed, now)
	return true
}
