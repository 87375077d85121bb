/*
Package factory creates pools. It validates a request in a fixed order, collects the creation fee,
registers the pool and drives it through the payment bridge to Active.
*/
package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sasha-s/go-deadlock"

	"poolmachine/escrow/ledger"
	"poolmachine/escrow/pool"
	"poolmachine/escrow/registry"
	"poolmachine/escrow/strategy"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FeeQuote is a pre-computed price for creating a pool in a non-native currency.
type FeeQuote struct {
	EthRequired poolmachine.Amount
	PlatformFee poolmachine.BasisPoints
}

type Request struct {
	Creator         poolmachine.Account
	Config          pool.Config
	Milestones      []pool.MilestoneSpec
	Template        string //empty for none
	PaymentTendered poolmachine.Amount
	Quote           *FeeQuote
	DurationDays    int64 //used to pick a strategy when the config names none
	DeferActivation bool
}

type Options struct {
	Admin       poolmachine.Account
	Operator    poolmachine.Account
	Treasury    poolmachine.Account
	CreationFee poolmachine.Amount
	Settings    pool.Settings
	Catalog     *strategy.Catalog
	Registry    *registry.Registry
	Custody     pool.Custody
	Shared      *pool.Shared
	Events      events.Emitter
	Paused      func() bool
	Now         func() int64
}

type Factory struct {
	opts          Options
	templates     map[string]*Template
	templateOrder []string
	created       int64
	mutex         *deadlock.Mutex
	create        *deadlock.Mutex //one creation at a time keeps check-then-register atomic
}

func New(opts Options) *Factory {
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().Unix() }
	}
	if opts.Settings.VotingPeriodSeconds <= 0 {
		opts.Settings.VotingPeriodSeconds = pool.DefaultVotingPeriodSeconds
	}
	if opts.Settings.CancelSupermajorityBps <= 0 {
		opts.Settings.CancelSupermajorityBps = pool.DefaultCancelSupermajority
	}
	return &Factory{
		opts:      opts,
		templates: make(map[string]*Template),
		mutex:     &deadlock.Mutex{},
		create:    &deadlock.Mutex{},
	}
}

func (f *Factory) admin(caller poolmachine.Account) error {
	if caller == "" || caller != f.opts.Admin {
		return poolmachine.ErrUnauthorized.With("%s is not the administrator", caller)
	}
	return nil
}

// Deps are the collaborators every pool this factory creates is bound to.
func (f *Factory) Deps() pool.Deps {
	return pool.Deps{
		Shared:   f.opts.Shared,
		Custody:  f.opts.Custody,
		Registry: f.opts.Registry,
		Events:   f.opts.Events,
		Paused:   f.opts.Paused,
		Now:      f.opts.Now,
	}
}

func (f *Factory) Created() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.created
}

// RequiredFee is the creation fee, or the quoted native amount for a pool in another currency.
func (f *Factory) RequiredFee(cfg pool.Config, quote *FeeQuote) poolmachine.Amount {
	if quote != nil && cfg.Currency != poolmachine.CurrencyNative {
		return quote.EthRequired
	}
	return f.opts.CreationFee
}

// prepare runs every check in order and returns the final config. The first failure wins.
func (f *Factory) prepare(req Request) (pool.Config, error) {
	cfg := req.Config
	if required := f.RequiredFee(cfg, req.Quote); req.PaymentTendered < required {
		return cfg, poolmachine.ErrInsufficientFee.With("tendered %d, required %d", req.PaymentTendered, required)
	}
	if err := pool.ValidateSplit(req.Milestones); err != nil {
		return cfg, err
	}
	if req.Template != "" {
		t, err := f.template(req.Template)
		if err != nil {
			return cfg, err
		}
		if cfg.ApprovalMethod == "" {
			cfg.ApprovalMethod = t.ApprovalMethod
			cfg.ApprovalThreshold = t.ApprovalThreshold
		}
		if cfg.RiskTier == poolmachine.RiskUnset {
			cfg.RiskTier = t.RiskTier
		}
	}
	if req.Quote != nil && cfg.PlatformFeeBps == 0 {
		cfg.PlatformFeeBps = req.Quote.PlatformFee
	}
	if cfg.PlatformFeeBps > 0 && cfg.FeeRecipient == "" {
		cfg.FeeRecipient = f.opts.Treasury
	}
	if cfg.PayoutAddress == "" {
		cfg.PayoutAddress = req.Creator
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := f.pickStrategy(&cfg, req.DurationDays); err != nil {
		return cfg, err
	}
	if err := f.opts.Registry.CanRegister(req.Creator, cfg.Slug); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (f *Factory) pickStrategy(cfg *pool.Config, durationDays int64) error {
	if f.opts.Catalog == nil {
		if cfg.Strategy != "" {
			return poolmachine.ErrUnknownStrategy.With("%s", cfg.Strategy)
		}
		return nil
	}
	if cfg.Strategy == "" {
		name, err := f.opts.Catalog.GetOptimalStrategy(cfg.RiskTier, cfg.Goal, durationDays)
		if errors.Is(err, poolmachine.ErrNoEligibleStrategy) {
			poolmachine.LogCLI(fmt.Sprintf("no strategy fits pool %s, yield is off", cfg.Slug), 3)
			return nil
		}
		if err != nil {
			return err
		}
		cfg.Strategy = name
	}
	d, ok := f.opts.Catalog.Get(cfg.Strategy)
	if !ok {
		return poolmachine.ErrUnknownStrategy.With("%s", cfg.Strategy)
	}
	cfg.StrategyRevision = d.Revision
	return nil
}

// CreatePool validates a request, builds the pool, takes the fee and, unless deferred, activates it.
// When activation fails the registered pool is returned with the error. The creator or operator
// finishes it through the payment bridge, or fails the payment to cancel it.
func (f *Factory) CreatePool(ctx context.Context, req Request) (*pool.Pool, error) {
	if f.opts.Paused != nil && f.opts.Paused() {
		return nil, poolmachine.ErrPaused.With("pool creation")
	}
	if req.Creator == "" {
		return nil, poolmachine.ErrUnauthorized.With("a pool needs a creator")
	}
	f.create.Lock()
	defer f.create.Unlock()

	cfg, err := f.prepare(req)
	if err != nil {
		return nil, err
	}
	f.mutex.Lock()
	sequence := f.created
	f.mutex.Unlock()
	id := poolmachine.Sha256(fmt.Sprintf("%s:%s:%d", req.Creator, registry.NormalizeSlug(cfg.Slug), sequence))[:16]
	p, err := pool.New(pool.Genesis{
		ID:         id,
		Address:    "pool:" + id,
		Creator:    req.Creator,
		Operator:   f.opts.Operator,
		Config:     cfg,
		Milestones: req.Milestones,
		Settings:   f.opts.Settings,
	}, f.Deps())
	if err != nil {
		return nil, err
	}
	now := f.opts.Now()
	if _, err := f.opts.Registry.Register(registry.Registration{
		PoolID:      id,
		Address:     p.Address(),
		Creator:     req.Creator,
		Slug:        cfg.Slug,
		Title:       cfg.Title,
		Description: cfg.Description,
		Visibility:  cfg.Visibility,
		Timestamp:   now,
	}); err != nil {
		return nil, err
	}
	if err := f.collectFee(ctx, req, cfg); err != nil {
		f.opts.Registry.Abort(id)
		return nil, err
	}
	f.mutex.Lock()
	f.created++
	f.mutex.Unlock()
	if f.opts.Events != nil {
		f.opts.Events.Emit(events.Event{
			Kind:      events.KindPoolCreated,
			PoolID:    id,
			Timestamp: now,
			Body:      events.PoolCreated{PoolID: id, Creator: req.Creator, Slug: registry.NormalizeSlug(cfg.Slug), Timestamp: now},
		})
	}
	poolmachine.LogCLI(fmt.Sprintf("%s created pool %s (%s)", req.Creator, id, cfg.Slug), 4)
	if req.DeferActivation {
		return p, nil
	}
	driver := f.opts.Operator
	if driver == "" {
		driver = req.Creator
	}
	for _, step := range []func(context.Context, poolmachine.Account) error{
		p.BeginPayment, p.MarkPaymentProcessing, p.ConfirmPayment,
	} {
		if err := step(ctx, driver); err != nil {
			// registration and fee stand, the bridge resumes from the returned pool's status
			return p, fmt.Errorf("pool %s was created but stopped in %s: %w", id, p.Status(), err)
		}
	}
	return p, nil
}

// collectFee forwards the fee to the treasury and the excess back to the creator in one batch.
func (f *Factory) collectFee(ctx context.Context, req Request, cfg pool.Config) error {
	required := f.RequiredFee(cfg, req.Quote)
	var batch []ledger.Transfer
	if required > 0 {
		batch = append(batch, ledger.Transfer{
			From: ledger.External, To: f.opts.Treasury, Amount: required,
			Currency: poolmachine.CurrencyNative, Memo: "creation fee " + cfg.Slug,
		})
	}
	if excess := req.PaymentTendered - required; excess > 0 {
		batch = append(batch, ledger.Transfer{
			From: ledger.External, To: req.Creator, Amount: excess,
			Currency: poolmachine.CurrencyNative, Memo: "creation fee refund " + cfg.Slug,
		})
	}
	if len(batch) == 0 {
		return nil
	}
	return f.opts.Custody.Execute(ctx, batch)
}

type snapshot struct {
	Created   int64
	Templates []Template
}

func (f *Factory) Save(w io.Writer) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	s := snapshot{Created: f.created}
	for _, name := range f.templateOrder {
		s.Templates = append(s.Templates, *f.templates[name])
	}
	return json.NewEncoder(w).Encode(s)
}

func (f *Factory) Restore(r io.Reader) error {
	var s snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.created = s.Created
	f.templates = make(map[string]*Template)
	f.templateOrder = nil
	for i := range s.Templates {
		t := s.Templates[i]
		f.templates[t.Name] = &t
		f.templateOrder = append(f.templateOrder, t.Name)
	}
	return nil
}
