package pool

import (
	"context"

	"poolmachine/escrow/ledger"
	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

// RecordContribution accepts funds into escrow and raises the contributor's stake. Raising more
// than the goal is allowed and does not close the pool.
func (p *Pool) RecordContribution(ctx context.Context, c Contribution) error {
	return p.mutate(ctx, "RecordContribution", false, func(w *State, r *result) error {
		if err := w.requireStatus(registry.Active); err != nil {
			return err
		}
		if c.Contributor == "" {
			return poolmachine.ErrUnauthorized.With("contribution has no contributor")
		}
		if c.Amount <= 0 {
			return poolmachine.ErrInvalidAmount.With("contribution of %d", c.Amount)
		}
		if c.Currency != w.Config.Currency {
			return poolmachine.ErrInvalidConfig.With("%s accepts %s, not %s", w.ID, w.Config.Currency, c.Currency)
		}
		if c.TxRef != "" {
			if w.TxRefs[c.TxRef] {
				return poolmachine.ErrDuplicateTxRef.With("%s", c.TxRef)
			}
			w.TxRefs[c.TxRef] = true
		}
		c.Timestamp = p.now()
		w.Contributions = append(w.Contributions, c)
		if _, ok := w.Stakes[c.Contributor]; !ok {
			w.Contributors = append(w.Contributors, c.Contributor)
		}
		w.Stakes[c.Contributor] += c.Amount
		w.TotalRaised += c.Amount
		w.Escrow += c.Amount
		r.transfers = append(r.transfers, ledger.Transfer{
			From:     ledger.External,
			To:       w.Address,
			Amount:   c.Amount,
			Currency: c.Currency,
			Memo:     "contribution " + c.TxRef,
		})
		r.emit(w, events.KindContributionRecorded, c.Timestamp, events.ContributionRecorded{
			PoolID:      w.ID,
			Contributor: c.Contributor,
			Amount:      c.Amount,
			Currency:    c.Currency,
			TxRef:       c.TxRef,
		})
		return nil
	})
}

// AccrueYield adds yield reported by the external integration to escrow. Operator only.
func (p *Pool) AccrueYield(ctx context.Context, caller poolmachine.Account, amount poolmachine.Amount) error {
	return p.mutate(ctx, "AccrueYield", false, func(w *State, r *result) error {
		if caller == "" || caller != w.Operator {
			return poolmachine.ErrUnauthorized.With("%s cannot report yield", caller)
		}
		if err := w.requireStatus(registry.Active); err != nil {
			return err
		}
		if amount <= 0 {
			return poolmachine.ErrInvalidAmount.With("yield of %d", amount)
		}
		w.Yield += amount
		w.Escrow += amount
		r.transfers = append(r.transfers, ledger.Transfer{
			From:     ledger.External,
			To:       w.Address,
			Amount:   amount,
			Currency: w.Config.Currency,
			Memo:     "yield",
		})
		r.emit(w, events.KindYieldAccrued, p.now(), events.YieldAccrued{PoolID: w.ID, Amount: amount})
		return nil
	})
}
