/*
Package strategy is the Strategy Catalog: a read-mostly registry of named yield strategies and a
deterministic selection function.
*/
package strategy

import (
	"fmt"
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/sasha-s/go-deadlock"

	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Catalog struct {
	admin poolmachine.Account
	data  map[string][]Descriptor //every revision, oldest first
	next  int64
	mutex *deadlock.Mutex
}

func NewCatalog(admin poolmachine.Account) *Catalog {
	return &Catalog{
		admin: admin,
		data:  make(map[string][]Descriptor),
		mutex: &deadlock.Mutex{},
	}
}

// AddStrategy appends a strategy, or a new revision of an existing one.
func (c *Catalog) AddStrategy(caller poolmachine.Account, d Descriptor) (Descriptor, error) {
	if caller == "" || caller != c.admin {
		return Descriptor{}, poolmachine.ErrUnauthorized.With("%s cannot add strategies", caller)
	}
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	d.Protocols = append([]string(nil), d.Protocols...)
	if revisions, ok := c.data[d.Name]; ok {
		latest := revisions[len(revisions)-1]
		d.Revision = latest.Revision + 1
		d.Order = latest.Order
	} else {
		d.Revision = 1
		d.Order = c.next
		c.next++
	}
	c.data[d.Name] = append(c.data[d.Name], d)
	poolmachine.LogCLI(fmt.Sprintf("strategy %s is now at revision %d", d.Name, d.Revision), 4)
	return d, nil
}

// Get returns the latest revision of a strategy.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	revisions, ok := c.data[name]
	if !ok {
		return Descriptor{}, false
	}
	return revisions[len(revisions)-1], true
}

// Revision returns a historical revision so pools can see exactly what they selected.
func (c *Catalog) Revision(name string, revision int64) (Descriptor, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, d := range c.data[name] {
		if d.Revision == revision {
			return d, true
		}
	}
	return Descriptor{}, false
}

// List returns the latest revision of every strategy in insertion order.
func (c *Catalog) List() []Descriptor {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.latest()
}

func (c *Catalog) latest() []Descriptor {
	var out []Descriptor
	for _, revisions := range c.data {
		out = append(out, revisions[len(revisions)-1])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}

// GetOptimalStrategy picks, among strategies at or below the requested risk tier that accept the
// amount and duration, the one with the highest APY net of management fee. Ties go to the lowest
// performance fee, then to the earliest inserted.
func (c *Catalog) GetOptimalStrategy(tier poolmachine.RiskTier, amount poolmachine.Amount, durationDays int64) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var best *Descriptor
	candidates := c.latest()
	for i := range candidates {
		d := candidates[i]
		if d.RiskTier > tier || amount < d.MinAmount || durationDays < d.MinDurationDays {
			continue
		}
		if best == nil || better(d, *best) {
			best = &candidates[i]
		}
	}
	if best == nil {
		return "", poolmachine.ErrNoEligibleStrategy.With("no strategy for risk tier %s", tier)
	}
	return best.Name, nil
}

// better reports whether a beats b. Candidates arrive in insertion order so an exact tie keeps b.
func better(a, b Descriptor) bool {
	if a.NetAPY() != b.NetAPY() {
		return a.NetAPY() > b.NetAPY()
	}
	if a.PerformanceFee != b.PerformanceFee {
		return a.PerformanceFee < b.PerformanceFee
	}
	return a.Order < b.Order
}

// StateHash is a deterministic digest of every revision in the catalog.
func (c *Catalog) StateHash() poolmachine.HashSeq {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var hs poolmachine.HashSeq
	hs.Component = "strategies"
	var names []string
	for name := range c.data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, d := range c.data[name] {
			hs.Sequence += 1
			hs.Append(d.Name, d.Type, d.Protocols, int64(d.RiskTier), d.ExpectedAPY, d.ManagementFee,
				d.PerformanceFee, d.MinAmount, d.MinDurationDays, d.Revision, d.Order)
		}
	}
	hs.S256()
	return hs
}

type snapshot struct {
	Next int64
	Data map[string][]Descriptor
}

func (c *Catalog) Save(w io.Writer) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return json.NewEncoder(w).Encode(snapshot{Next: c.next, Data: c.data})
}

func (c *Catalog) Restore(r io.Reader) error {
	var s snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if s.Data == nil {
		s.Data = make(map[string][]Descriptor)
	}
	c.data = s.Data
	c.next = s.Next
	return nil
}
