package conductor

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/stackerstan/go-nostr"

	"poolmachine/escrow/factory"
	"poolmachine/escrow/pool"
	"poolmachine/escrow/strategy"
	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command kinds. The content of each is the JSON of the matching struct below and the principal is
// always the public key that signed the event.
const (
	KindCreatePool         = 641000
	KindContribute         = 641002
	KindPayment            = 641004
	KindSubmitProof        = 641006
	KindCastVote           = 641008
	KindResolveMilestone   = 641010
	KindReleaseMilestone   = 641012
	KindCancelPool         = 641014
	KindAccrueYield        = 641016
	KindAddTemplate        = 641020
	KindDeactivateTemplate = 641022
	KindAddStrategy        = 641024
	KindSetPaused          = 641026
)

var commandNames = map[int]string{
	KindCreatePool:         "CreatePool",
	KindContribute:         "Contribute",
	KindPayment:            "Payment",
	KindSubmitProof:        "SubmitProof",
	KindCastVote:           "CastVote",
	KindResolveMilestone:   "ResolveMilestone",
	KindReleaseMilestone:   "ReleaseMilestone",
	KindCancelPool:         "CancelPool",
	KindAccrueYield:        "AccrueYield",
	KindAddTemplate:        "AddTemplate",
	KindDeactivateTemplate: "DeactivateTemplate",
	KindAddStrategy:        "AddStrategy",
	KindSetPaused:          "SetPaused",
}

// CommandName reports the name of a command kind, false if the kind is not a command.
func CommandName(kind int) (string, bool) {
	n, ok := commandNames[kind]
	return n, ok
}

type CreatePool struct {
	Config          pool.Config
	Milestones      []pool.MilestoneSpec
	Template        string
	PaymentTendered poolmachine.Amount
	Quote           *factory.FeeQuote
	DurationDays    int64
	DeferActivation bool
}

type Contribute struct {
	PoolID      poolmachine.PoolID
	Amount      poolmachine.Amount
	Currency    poolmachine.Currency
	TxRef       string
	Source      string
	IdentityRef string
}

// Payment drives the payment bridge. Step is one of begin, processing, confirm or fail.
type Payment struct {
	PoolID poolmachine.PoolID
	Step   string
}

type SubmitProof struct {
	PoolID      poolmachine.PoolID
	MilestoneID string
	ProofURL    string
	Description string
}

type CastVote struct {
	PoolID      poolmachine.PoolID
	MilestoneID string
	Support     bool
}

type MilestoneRef struct {
	PoolID      poolmachine.PoolID
	MilestoneID string
}

type PoolRef struct {
	PoolID poolmachine.PoolID
}

type AccrueYield struct {
	PoolID poolmachine.PoolID
	Amount poolmachine.Amount
}

type TemplateRef struct {
	Name string
}

type SetPaused struct {
	Paused bool
}

// Receipt is what a handled command produced.
type Receipt struct {
	EventID   string
	Command   string
	PoolID    poolmachine.PoolID `json:",omitempty"`
	Changed   bool               //template added/deactivated, or pool cancelled
	Revision  int64              `json:",omitempty"`
	Principal poolmachine.Account
}

// HandleCommand verifies a signed command event and applies it. A command is applied at most
// once; replays fail with DuplicateCommand.
func (e *Engine) HandleCommand(ctx context.Context, ev nostr.Event) (Receipt, error) {
	name, ok := CommandName(ev.Kind)
	if !ok {
		return Receipt{}, poolmachine.ErrInvalidConfig.With("kind %d is not a command", ev.Kind)
	}
	r, err := e.handle(ctx, name, ev)
	e.metrics.command(name, err)
	if err != nil {
		poolmachine.LogCLI(fmt.Sprintf("%s from %s rejected: %s", name, ev.PubKey, err), 3)
	}
	return r, err
}

func (e *Engine) handle(ctx context.Context, name string, ev nostr.Event) (r Receipt, err error) {
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return r, poolmachine.ErrUnauthorized.With("invalid signature on %s", ev.ID)
	}
	id := ev.GetID()
	if !e.seen(id) {
		return r, poolmachine.ErrDuplicateCommand.With("%s", id)
	}
	r = Receipt{EventID: id, Command: name, Principal: ev.PubKey}
	caller := ev.PubKey
	switch ev.Kind {
	case KindCreatePool:
		var c CreatePool
		if err = decode(ev, &c); err != nil {
			return
		}
		var p *pool.Pool
		p, err = e.CreatePool(ctx, factory.Request{
			Creator:         caller,
			Config:          c.Config,
			Milestones:      c.Milestones,
			Template:        c.Template,
			PaymentTendered: c.PaymentTendered,
			Quote:           c.Quote,
			DurationDays:    c.DurationDays,
			DeferActivation: c.DeferActivation,
		})
		if p != nil {
			r.PoolID = p.ID()
		}
	case KindContribute:
		var c Contribute
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			return p.RecordContribution(ctx, pool.Contribution{
				Contributor: caller,
				Amount:      c.Amount,
				Currency:    c.Currency,
				TxRef:       c.TxRef,
				Source:      c.Source,
				IdentityRef: c.IdentityRef,
			})
		})
	case KindPayment:
		var c Payment
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			switch c.Step {
			case "begin":
				return p.BeginPayment(ctx, caller)
			case "processing":
				return p.MarkPaymentProcessing(ctx, caller)
			case "confirm":
				return p.ConfirmPayment(ctx, caller)
			case "fail":
				return p.FailPayment(ctx, caller)
			}
			return poolmachine.ErrInvalidConfig.With("unknown payment step %q", c.Step)
		})
	case KindSubmitProof:
		var c SubmitProof
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			return p.SubmitMilestoneProof(ctx, c.MilestoneID, c.ProofURL, c.Description, caller)
		})
	case KindCastVote:
		var c CastVote
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			return p.CastVote(ctx, c.MilestoneID, caller, c.Support)
		})
	case KindResolveMilestone:
		var c MilestoneRef
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			return p.ResolveMilestone(ctx, caller, c.MilestoneID)
		})
	case KindReleaseMilestone:
		var c MilestoneRef
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			return p.ReleaseMilestone(ctx, caller, c.MilestoneID)
		})
	case KindCancelPool:
		var c PoolRef
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) (err error) {
			r.Changed, err = p.CancelPool(ctx, caller)
			return
		})
	case KindAccrueYield:
		var c AccrueYield
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.withPool(c.PoolID, &r, func(p *pool.Pool) error {
			return p.AccrueYield(ctx, caller, c.Amount)
		})
	case KindAddTemplate:
		var t factory.Template
		if err = decode(ev, &t); err != nil {
			return
		}
		r.Changed, err = e.factory.AddTemplate(caller, t)
	case KindDeactivateTemplate:
		var c TemplateRef
		if err = decode(ev, &c); err != nil {
			return
		}
		r.Changed, err = e.factory.DeactivateTemplate(caller, c.Name)
	case KindAddStrategy:
		var d strategy.Descriptor
		if err = decode(ev, &d); err != nil {
			return
		}
		d, err = e.catalog.AddStrategy(caller, d)
		r.Revision = d.Revision
	case KindSetPaused:
		var c SetPaused
		if err = decode(ev, &c); err != nil {
			return
		}
		err = e.SetPaused(caller, c.Paused)
	}
	return
}

func (e *Engine) withPool(id poolmachine.PoolID, r *Receipt, fn func(p *pool.Pool) error) error {
	p, err := e.Pool(id)
	if err != nil {
		return err
	}
	r.PoolID = id
	return fn(p)
}

func decode(ev nostr.Event, v interface{}) error {
	if err := json.Unmarshal([]byte(ev.Content), v); err != nil {
		return poolmachine.ErrInvalidConfig.With("malformed %s content: %s", commandNames[ev.Kind], err)
	}
	return nil
}
