package pool

import (
	"context"

	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

func (w *State) requireCreatorOrOperator(caller poolmachine.Account) error {
	if caller == "" || (caller != w.Creator && caller != w.Operator) {
		return poolmachine.ErrUnauthorized.With("%s is neither creator nor operator of %s", caller, w.ID)
	}
	return nil
}

func (p *Pool) advance(ctx context.Context, name string, caller poolmachine.Account, from, to registry.Status) error {
	return p.mutate(ctx, name, false, func(w *State, r *result) error {
		if err := w.requireCreatorOrOperator(caller); err != nil {
			return err
		}
		if err := w.requireStatus(from); err != nil {
			return err
		}
		w.setStatus(r, to, p.now())
		return nil
	})
}

// BeginPayment moves a Draft pool to PendingPayment.
func (p *Pool) BeginPayment(ctx context.Context, caller poolmachine.Account) error {
	return p.advance(ctx, "BeginPayment", caller, registry.Draft, registry.PendingPayment)
}

func (p *Pool) MarkPaymentProcessing(ctx context.Context, caller poolmachine.Account) error {
	return p.advance(ctx, "MarkPaymentProcessing", caller, registry.PendingPayment, registry.PaymentProcessing)
}

// ConfirmPayment activates the pool. Contributions and milestones are only accepted once Active.
func (p *Pool) ConfirmPayment(ctx context.Context, caller poolmachine.Account) error {
	return p.advance(ctx, "ConfirmPayment", caller, registry.PaymentProcessing, registry.Active)
}

// FailPayment cancels a pool that never became Active. Nothing has been contributed so there is
// nothing to refund.
func (p *Pool) FailPayment(ctx context.Context, caller poolmachine.Account) error {
	return p.mutate(ctx, "FailPayment", true, func(w *State, r *result) error {
		if err := w.requireCreatorOrOperator(caller); err != nil {
			return err
		}
		if err := w.requireStatus(registry.Draft, registry.PendingPayment, registry.PaymentProcessing); err != nil {
			return err
		}
		now := p.now()
		w.setStatus(r, registry.Cancelled, now)
		r.emit(w, events.KindPoolCancelled, now, events.PoolCancelled{PoolID: w.ID})
		return nil
	})
}
