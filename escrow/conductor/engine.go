/*
Package conductor is the composition root of the escrow engine. It builds the strategy catalog, the
registry, the custody ledger, the factory and the shared pool logic, keeps the directory of pool
instances, owns the emergency pause and routes signed commands to the right component.
*/
package conductor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"

	"poolmachine/database"
	"poolmachine/escrow/factory"
	"poolmachine/escrow/ledger"
	"poolmachine/escrow/pool"
	"poolmachine/escrow/registry"
	"poolmachine/escrow/strategy"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

type Engine struct {
	config   Config
	store    *database.Store //nil keeps everything in memory
	catalog  *strategy.Catalog
	registry *registry.Registry
	ledger   *ledger.Ledger
	shared   *pool.Shared
	factory  *factory.Factory
	bus      *events.Bus
	metrics  *Metrics
	mirror   events.Mirror
	seen     func(interface{}) bool
	paused   atomic.Bool
	pools    map[poolmachine.PoolID]*pool.Pool
	mutex    *deadlock.RWMutex
}

type Options struct {
	Store  *database.Store
	Mirror events.Mirror
	Logic  pool.Logic
	Now    func() int64
}

func New(config Config, opts Options) *Engine {
	if config.BloomCapacity == 0 {
		config.BloomCapacity = 100000
	}
	e := &Engine{
		config:   config,
		store:    opts.Store,
		catalog:  strategy.NewCatalog(config.Admin),
		registry: registry.New(config.MaxPoolsPerCreator),
		ledger:   ledger.New(),
		shared:   pool.NewShared(opts.Logic),
		bus:      events.NewBus(config.MirrorBuffer),
		metrics:  NewMetrics("poolmachine"),
		mirror:   opts.Mirror,
		seen:     poolmachine.MakeNewInverseBloomFilter(config.BloomCapacity),
		pools:    make(map[poolmachine.PoolID]*pool.Pool),
		mutex:    &deadlock.RWMutex{},
	}
	e.factory = factory.New(factory.Options{
		Admin:       config.Admin,
		Operator:    config.Operator,
		Treasury:    config.Treasury,
		CreationFee: config.CreationFee,
		Settings:    config.poolSettings(),
		Catalog:     e.catalog,
		Registry:    e.registry,
		Custody:     e.ledger,
		Shared:      e.shared,
		Events:      events.Fanout{e.bus, e.metrics},
		Paused:      e.Paused,
		Now:         opts.Now,
	})
	return e
}

// Start restores state from the store and persists it again when terminate closes.
func (e *Engine) Start(terminate chan struct{}, wg *sync.WaitGroup) error {
	poolmachine.LogCLI("Starting the escrow conductor", 4)
	if err := e.Load(); err != nil {
		return err
	}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	if e.mirror != nil {
		feed, err := e.bus.SubscribeWithWait("mirror", e.config.MirrorWait)
		if err != nil {
			cancel()
			wg.Done()
			return err
		}
		go events.RunMirror(ctx, feed, e.mirror)
	}
	go func() {
		<-terminate
		poolmachine.LogCLI("Conductor: I received terminate signal, shutting down", 4)
		cancel()
		e.bus.Unsubscribe("mirror")
		if err := e.Persist(); err != nil {
			poolmachine.LogCLI(err.Error(), 1)
		}
		poolmachine.LogCLI("Conductor: shutdown complete", 4)
		wg.Done()
	}()
	poolmachine.LogCLI("Conductor: I'm now accepting commands", 4)
	return nil
}

func (e *Engine) Config() Config                { return e.config }
func (e *Engine) Catalog() *strategy.Catalog    { return e.catalog }
func (e *Engine) Registry() *registry.Registry  { return e.registry }
func (e *Engine) Ledger() *ledger.Ledger        { return e.ledger }
func (e *Engine) Factory() *factory.Factory     { return e.factory }
func (e *Engine) Bus() *events.Bus              { return e.bus }
func (e *Engine) Metrics() *Metrics             { return e.metrics }
func (e *Engine) LogicVersion() int64           { return e.shared.Logic().Version() }
func (e *Engine) Paused() bool                  { return e.paused.Load() }
func (e *Engine) Admin() poolmachine.Account    { return e.config.Admin }
func (e *Engine) Operator() poolmachine.Account { return e.config.Operator }

func (e *Engine) requireAdmin(caller poolmachine.Account) error {
	if caller == "" || caller != e.config.Admin {
		return poolmachine.ErrUnauthorized.With("%s is not the administrator", caller)
	}
	return nil
}

// SetPaused sets or clears the emergency pause. While paused only cancellation and refunds run.
func (e *Engine) SetPaused(caller poolmachine.Account, paused bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.paused.Store(paused)
	e.metrics.setPaused(paused)
	poolmachine.LogCLI(fmt.Sprintf("emergency pause set to %t by %s", paused, caller), 2)
	return nil
}

// UpgradeLogic backs up the data directory and then swaps the logic shared by every pool. Stored
// pool state is untouched.
func (e *Engine) UpgradeLogic(caller poolmachine.Account, logic pool.Logic) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if logic == nil {
		return poolmachine.ErrInvalidConfig.With("no logic module supplied")
	}
	current := e.shared.Logic().Version()
	if e.store != nil {
		if err := e.Persist(); err != nil {
			return err
		}
		path, err := e.store.Backup(fmt.Sprintf("logic-v%d", current))
		if err != nil {
			return err
		}
		poolmachine.LogCLI("backed up the data directory to "+path, 4)
	}
	e.shared.Swap(logic)
	poolmachine.LogCLI(fmt.Sprintf("pool logic upgraded from v%d to v%d", current, logic.Version()), 4)
	return nil
}

// CreatePool creates a pool through the factory and adds it to the directory.
func (e *Engine) CreatePool(ctx context.Context, req factory.Request) (*pool.Pool, error) {
	p, err := e.factory.CreatePool(ctx, req)
	if p != nil {
		e.mutex.Lock()
		e.pools[p.ID()] = p
		e.mutex.Unlock()
		e.metrics.poolsCreated.Inc()
	}
	return p, err
}

func (e *Engine) Pool(id poolmachine.PoolID) (*pool.Pool, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	p, ok := e.pools[id]
	if !ok {
		return nil, poolmachine.ErrUnknownPool.With("%s", id)
	}
	return p, nil
}

// Pools returns every pool instance ordered by registration.
func (e *Engine) Pools() []*pool.Pool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	var out []*pool.Pool
	for _, p := range e.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := e.registry.Get(out[i].ID())
		b, _ := e.registry.Get(out[j].ID())
		return a.Order < b.Order
	})
	return out
}

// RefreshGauges recomputes the pool and escrow gauges.
func (e *Engine) RefreshGauges() {
	counts := make(map[registry.Status]float64)
	escrow := make(map[poolmachine.Currency]float64)
	for _, p := range e.Pools() {
		counts[p.Status()]++
		escrow[p.State().Config.Currency] += float64(p.Stats().Escrow)
	}
	for _, s := range []registry.Status{registry.Draft, registry.PendingPayment, registry.PaymentProcessing,
		registry.Active, registry.Completed, registry.Cancelled} {
		e.metrics.pools.WithLabelValues(string(s)).Set(counts[s])
	}
	for _, c := range []poolmachine.Currency{poolmachine.CurrencyNative, poolmachine.CurrencyStableA, poolmachine.CurrencyStableB} {
		e.metrics.escrow.WithLabelValues(string(c)).Set(escrow[c])
	}
}

// StateHashes returns the digest of every component, pools in registration order.
func (e *Engine) StateHashes() []poolmachine.HashSeq {
	hashes := []poolmachine.HashSeq{e.catalog.StateHash(), e.registry.StateHash(), e.ledger.StateHash()}
	for _, p := range e.Pools() {
		hashes = append(hashes, p.StateHash())
	}
	return hashes
}
