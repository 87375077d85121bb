package pool

import (
	"context"
	"fmt"

	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

// SimpleMajorityBps replaces the cancellation supermajority once a milestone has used up its
// resubmissions, so contributors can recover funds stuck behind a proof that keeps failing.
const SimpleMajorityBps poolmachine.BasisPoints = 5001

// CancelPool cancels a pool and refunds its escrow pro-rata. Before activation, or while nobody
// holds stake, the creator or operator cancels outright. An Active pool is cancelled by a stake-weighted ballot: each call is the
// initiator's supporting vote and the result reports whether the ballot carried.
func (p *Pool) CancelPool(ctx context.Context, initiator poolmachine.Account) (bool, error) {
	cancelled := false
	err := p.mutate(ctx, "CancelPool", true, func(w *State, r *result) error {
		now := p.now()
		switch w.Status {
		case registry.Draft, registry.PendingPayment, registry.PaymentProcessing:
			if err := w.requireCreatorOrOperator(initiator); err != nil {
				return err
			}
			p.cancel(w, r, now)
			cancelled = true
			return nil
		case registry.Active:
		default:
			return poolmachine.ErrInvalidPoolState.With("%s is %s", w.ID, w.Status)
		}
		if w.totalStake() == 0 {
			// no one could vote on it
			if err := w.requireCreatorOrOperator(initiator); err != nil {
				return err
			}
			p.cancel(w, r, now)
			cancelled = true
			return nil
		}
		if w.Config.ApprovalMethod == poolmachine.ApprovalCreatorOnly {
			if initiator != w.Creator {
				return poolmachine.ErrUnauthorized.With("only the creator can cancel %s", w.ID)
			}
			p.cancel(w, r, now)
			cancelled = true
			return nil
		}
		if w.Cancellation == nil || (w.Cancellation.Deadline > 0 && now >= w.Cancellation.Deadline) {
			b := w.openBallot(now, now+w.Settings.VotingPeriodSeconds)
			w.Cancellation = &b
		}
		b := w.Cancellation
		if _, voted := b.Votes[initiator]; voted {
			return poolmachine.ErrAlreadyVoted.With("%s on the cancellation of %s", initiator, w.ID)
		}
		weight := b.Snapshot[initiator]
		if weight <= 0 {
			return poolmachine.ErrNotAContributor.With("%s had no stake when the cancellation ballot opened", initiator)
		}
		b.Votes[initiator] = Vote{Voter: initiator, Support: true, Weight: weight, Timestamp: now}
		b.VotesFor += weight
		b.VotersFor++
		rule := Rule{Method: poolmachine.ApprovalPercentageThreshold, Threshold: w.cancelThreshold()}
		if p.deps.Shared.Logic().Tally(rule, b, false) == Approve {
			p.cancel(w, r, now)
			cancelled = true
		} else {
			poolmachine.LogCLI(fmt.Sprintf("cancellation of %s has %d of %d stake", w.ID, b.VotesFor, b.EligibleStake), 4)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

func (w *State) totalStake() (total poolmachine.Amount) {
	for _, a := range w.Contributors {
		if stake := w.Stakes[a]; stake > 0 {
			total += stake
		}
	}
	return
}

func (w *State) cancelThreshold() poolmachine.BasisPoints {
	for _, m := range w.Milestones {
		if w.Settings.MaxRejections > 0 && m.Rejections >= w.Settings.MaxRejections {
			return SimpleMajorityBps
		}
	}
	return w.Settings.CancelSupermajorityBps
}

func (p *Pool) cancel(w *State, r *result, now int64) {
	total := p.refund(w, r, "cancellation", now)
	w.Cancellation = nil
	w.setStatus(r, registry.Cancelled, now)
	r.emit(w, events.KindPoolCancelled, now, events.PoolCancelled{PoolID: w.ID, RefundTotal: total})
}

// refund returns the whole escrow to contributors in proportion to their stake, leaving it at
// exactly zero. With no contributors the escrow (yield only) goes to the payout address.
func (p *Pool) refund(w *State, r *result, reason string, now int64) poolmachine.Amount {
	p.chargePlatformFee(w, r, now)
	total := w.Escrow
	if total <= 0 {
		return 0
	}
	var shares []Share
	for _, a := range w.Contributors {
		shares = append(shares, Share{Account: a, Weight: w.Stakes[a]})
	}
	parts := p.deps.Shared.Logic().Allocate(total, shares)
	var given poolmachine.Amount
	for i, amount := range parts {
		if amount <= 0 {
			continue
		}
		given += amount
		r.pay(w, shares[i].Account, amount, reason+" refund")
		r.emit(w, events.KindRefundIssued, now, events.RefundIssued{PoolID: w.ID, Contributor: shares[i].Account, Amount: amount})
	}
	if rest := total - given; rest > 0 {
		r.pay(w, w.Config.PayoutAddress, rest, reason+" remainder")
		given += rest
	}
	w.Escrow -= given
	w.Refunded += given
	return given
}

// chargePlatformFee takes the platform's cut of earned yield before escrow is handed back.
// Contributions are never charged and milestone payouts are never reduced.
func (p *Pool) chargePlatformFee(w *State, r *result, now int64) {
	if w.Config.FeeRecipient == "" || w.Config.PlatformFeeBps <= 0 {
		return
	}
	earned := w.Yield - w.FeesCharged
	if earned > w.Escrow {
		earned = w.Escrow
	}
	fee := poolmachine.ApplyBps(earned, w.Config.PlatformFeeBps)
	if fee <= 0 {
		return
	}
	w.Escrow -= fee
	w.FeesCharged += fee
	r.pay(w, w.Config.FeeRecipient, fee, "platform fee")
	r.emit(w, events.KindPlatformFeeCharged, now, events.PlatformFeeCharged{
		PoolID:    w.ID,
		Recipient: w.Config.FeeRecipient,
		Amount:    fee,
		Yield:     w.Yield,
	})
}
