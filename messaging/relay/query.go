package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/stackerstan/go-nostr"

	"poolmachine/escrow/pool"
	"poolmachine/escrow/registry"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

// Kinds of the read-only events produced for REQ queries. Lifecycle events keep their own kinds.
const (
	KindPoolRecord   = 641201
	KindPoolView     = 641203
	KindMilestone    = 641205
	KindContribution = 641207
	KindStrategy     = 641209
	KindTemplate     = 641211
	KindProofHistory = 641213
	KindStateHash    = 641215
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// PoolView is everything a client needs to render one pool.
type PoolView struct {
	Record       registry.Record
	Config       pool.Config
	Settings     pool.Settings
	Stats        pool.Stats
	Contribution pool.Summary
	Cancellation *pool.Ballot `json:",omitempty"`
}

// query answers one filter. The query tag names the view, live also registers the filter for
// the lifecycle stream.
func (r *Relay) query(f nostr.Filter) (out []nostr.Event, live bool, err error) {
	name := tag(f, "query")
	switch name {
	case "":
		return nil, false, nil
	case "live":
		return nil, true, nil
	case "pools", "search":
		offset, limit, err := page(f)
		if err != nil {
			return nil, false, err
		}
		var records []registry.Record
		if name == "search" {
			keyword := tag(f, "keyword")
			if keyword == "" {
				return nil, false, poolmachine.ErrInvalidConfig.With("search needs a keyword")
			}
			records = r.engine.Registry().SearchPublic(keyword, offset, limit)
		} else {
			records = r.engine.Registry().ListPublic(offset, limit)
		}
		return r.records(records)
	case "creator":
		creator := tag(f, "creator")
		if creator == "" && len(f.Authors) > 0 {
			creator = f.Authors[0]
		}
		return r.records(r.engine.Registry().ListByCreator(creator))
	case "strategies":
		for _, d := range r.engine.Catalog().List() {
			ev, err := r.sign(KindStrategy, nostr.Tags{{"strategy", d.Name}}, d)
			if err != nil {
				return nil, false, err
			}
			out = append(out, ev)
		}
		return out, false, nil
	case "templates":
		for _, t := range r.engine.Factory().Templates() {
			ev, err := r.sign(KindTemplate, nostr.Tags{{"template", t.Name}}, t)
			if err != nil {
				return nil, false, err
			}
			out = append(out, ev)
		}
		return out, false, nil
	case "statehash":
		type digest struct {
			Component string
			Sequence  int64
			Hash      poolmachine.S256Hash
		}
		var digests []digest
		for _, h := range r.engine.StateHashes() {
			digests = append(digests, digest{h.Component, h.Sequence, h.Hash})
		}
		ev, err := r.sign(KindStateHash, nil, digests)
		if err != nil {
			return nil, false, err
		}
		return []nostr.Event{ev}, false, nil
	case "pool", "milestones", "contributions", "history":
	default:
		return nil, false, poolmachine.ErrInvalidConfig.With("unknown query %q", name)
	}

	p, rec, err := r.pool(f)
	if err != nil {
		return nil, false, err
	}
	poolTag := nostr.Tag{"pool", p.ID()}
	switch name {
	case "pool":
		s := p.State()
		ev, err := r.sign(KindPoolView, nostr.Tags{poolTag}, PoolView{
			Record:       rec,
			Config:       s.Config,
			Settings:     s.Settings,
			Stats:        p.Stats(),
			Contribution: p.ContributionSummary(),
			Cancellation: s.Cancellation,
		})
		if err != nil {
			return nil, false, err
		}
		return []nostr.Event{ev}, false, nil
	case "milestones":
		for _, m := range p.Milestones() {
			ev, err := r.sign(KindMilestone, nostr.Tags{poolTag, {"milestone", m.ID}}, m)
			if err != nil {
				return nil, false, err
			}
			out = append(out, ev)
		}
		return out, false, nil
	case "contributions":
		offset, limit, err := page(f)
		if err != nil {
			return nil, false, err
		}
		all := p.Contributions()
		for i := offset; i < int64(len(all)) && i < offset+limit; i++ {
			ev, err := r.sign(KindContribution, nostr.Tags{poolTag}, all[i])
			if err != nil {
				return nil, false, err
			}
			out = append(out, ev)
		}
		return out, false, nil
	case "history":
		milestone := tag(f, "milestone")
		history, err := p.ProofHistory(milestone)
		if err != nil {
			return nil, false, err
		}
		ev, err := r.sign(KindProofHistory, nostr.Tags{poolTag, {"milestone", milestone}}, history)
		if err != nil {
			return nil, false, err
		}
		return []nostr.Event{ev}, false, nil
	}
	return out, false, nil
}

// pool finds the pool named by the pool tag, or by the slug tag.
func (r *Relay) pool(f nostr.Filter) (*pool.Pool, registry.Record, error) {
	var rec registry.Record
	var ok bool
	if id := tag(f, "pool"); id != "" {
		rec, ok = r.engine.Registry().Get(id)
	} else if slug := tag(f, "slug"); slug != "" {
		rec, ok = r.engine.Registry().Resolve(slug)
	} else {
		return nil, rec, poolmachine.ErrInvalidConfig.With("query %q needs a pool or slug tag", tag(f, "query"))
	}
	if !ok {
		return nil, rec, poolmachine.ErrUnknownPool.With("no pool matches the filter")
	}
	p, err := r.engine.Pool(rec.PoolID)
	return p, rec, err
}

func (r *Relay) records(records []registry.Record) (out []nostr.Event, live bool, err error) {
	for _, rec := range records {
		ev, err := r.sign(KindPoolRecord, nostr.Tags{{"pool", rec.PoolID}, {"slug", rec.Slug}}, rec)
		if err != nil {
			return nil, false, err
		}
		out = append(out, ev)
	}
	return out, false, nil
}

// lifecycleEvent wraps an engine event for the live stream.
func (r *Relay) lifecycleEvent(e events.Event) (nostr.Event, error) {
	return r.sign(int(e.Kind), nostr.Tags{
		{"pool", e.PoolID},
		{"sequence", fmt.Sprintf("%d", e.Sequence)},
		{"name", e.Kind.String()},
	}, e.Body)
}

func (r *Relay) sign(kind int, tags nostr.Tags, v interface{}) (nostr.Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		PubKey:    r.wallet.Account,
		CreatedAt: time.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   string(b),
	}
	ev.ID = ev.GetID()
	if err := ev.Sign(r.wallet.PrivateKey); err != nil {
		return nostr.Event{}, err
	}
	return ev, nil
}

// matchesLive reports whether any live filter wants the event. A pool tag narrows the stream to
// one pool and kinds narrow it to some lifecycle events.
func matchesLive(filters nostr.Filters, e events.Event) bool {
	for _, f := range filters {
		if tag(f, "query") != "live" {
			continue
		}
		if id := tag(f, "pool"); id != "" && id != e.PoolID {
			continue
		}
		if len(f.Kinds) > 0 && !containsKind(f.Kinds, int(e.Kind)) {
			continue
		}
		return true
	}
	return false
}

func containsKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func tag(f nostr.Filter, name string) string {
	if list, ok := f.Tags[name]; ok && len(list) > 0 {
		return strings.TrimSpace(list[0])
	}
	return ""
}

func page(f nostr.Filter) (offset, limit int64, err error) {
	limit = defaultLimit
	if s := tag(f, "offset"); s != "" {
		if offset, err = cast.ToInt64E(s); err != nil || offset < 0 {
			return 0, 0, poolmachine.ErrInvalidConfig.With("bad offset %q", s)
		}
	}
	if s := tag(f, "limit"); s != "" {
		if limit, err = cast.ToInt64E(s); err != nil || limit < 1 {
			return 0, 0, poolmachine.ErrInvalidConfig.With("bad limit %q", s)
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit, nil
}
