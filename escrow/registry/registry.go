/*
Package registry indexes every pool ever created for discovery, and enforces the global creator
limit and the permanent uniqueness of vanity slugs.
*/
package registry

import (
	"fmt"
	"io"
	"sort"
	"strings"

	rake "github.com/afjoseph/RAKE.Go"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sasha-s/go-deadlock"

	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Registry struct {
	max     int64
	records map[poolmachine.PoolID]*Record
	slugs   map[string]poolmachine.PoolID //reserved forever, even after cancellation
	order   []poolmachine.PoolID
	mutex   *deadlock.Mutex
}

func New(maxPoolsPerCreator int64) *Registry {
	return &Registry{
		max:     maxPoolsPerCreator,
		records: make(map[poolmachine.PoolID]*Record),
		slugs:   make(map[string]poolmachine.PoolID),
		mutex:   &deadlock.Mutex{},
	}
}

func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

func (r *Registry) MaxPoolsPerCreator() int64 {
	return r.max
}

// CanRegister runs the registration checks without reserving anything.
func (r *Registry) CanRegister(creator poolmachine.Account, slug string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.check(creator, NormalizeSlug(slug))
}

func (r *Registry) check(creator poolmachine.Account, slug string) error {
	if slug == "" {
		return poolmachine.ErrInvalidConfig.With("a pool needs a slug")
	}
	if owned := r.liveCount(creator); owned >= r.max {
		return poolmachine.ErrCreatorLimitExceeded.With("%s already has %d pools", creator, owned)
	}
	if _, taken := r.slugs[slug]; taken {
		return poolmachine.ErrSlugTaken.With("%s", slug)
	}
	return nil
}

func (r *Registry) liveCount(creator poolmachine.Account) (n int64) {
	for _, rec := range r.records {
		if rec.Creator == creator && rec.Status != Cancelled {
			n++
		}
	}
	return
}

// Register indexes a new pool in Draft and reserves its slug.
func (r *Registry) Register(reg Registration) (string, error) {
	slug := NormalizeSlug(reg.Slug)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.check(reg.Creator, slug); err != nil {
		return "", err
	}
	if _, exists := r.records[reg.PoolID]; exists || reg.PoolID == "" {
		return "", poolmachine.ErrInvalidConfig.With("pool id %q is not usable", reg.PoolID)
	}
	rec := &Record{
		RecordID:   uuid.NewString(),
		PoolID:     reg.PoolID,
		Address:    reg.Address,
		Creator:    reg.Creator,
		Slug:       slug,
		Title:      reg.Title,
		Visibility: reg.Visibility,
		Status:     Draft,
		CreatedAt:  reg.Timestamp,
		Order:      int64(len(r.order)),
		Keywords:   keywords(reg.Title + ". " + reg.Description),
	}
	r.records[reg.PoolID] = rec
	r.slugs[slug] = reg.PoolID
	r.order = append(r.order, reg.PoolID)
	poolmachine.LogCLI(fmt.Sprintf("registered pool %s as %s", reg.PoolID, slug), 4)
	return rec.RecordID, nil
}

// Abort removes a registration whose creating operation failed before it committed.
// The slug is released because the pool never existed.
func (r *Registry) Abort(poolID poolmachine.PoolID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	rec, ok := r.records[poolID]
	if !ok {
		return
	}
	delete(r.records, poolID)
	delete(r.slugs, rec.Slug)
	for i, id := range r.order {
		if id == poolID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for i, id := range r.order {
		r.records[id].Order = int64(i)
	}
	poolmachine.LogCLI(fmt.Sprintf("aborted registration of pool %s", poolID), 2)
}

// SetStatus is called by the pool itself; caller must be the pool's registered address.
func (r *Registry) SetStatus(caller poolmachine.Account, poolID poolmachine.PoolID, status Status) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	rec, ok := r.records[poolID]
	if !ok {
		return poolmachine.ErrUnknownPool.With("%s", poolID)
	}
	if caller != rec.Address {
		return poolmachine.ErrUnauthorized.With("%s cannot set the status of %s", caller, poolID)
	}
	if rec.Status.Terminal() && rec.Status != status {
		return poolmachine.ErrInvalidPoolState.With("%s is %s", poolID, rec.Status)
	}
	rec.Status = status
	return nil
}

func (r *Registry) Get(poolID poolmachine.PoolID) (Record, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	rec, ok := r.records[poolID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Resolve finds a pool by its vanity slug.
func (r *Registry) Resolve(slug string) (Record, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id, ok := r.slugs[NormalizeSlug(slug)]
	if !ok {
		return Record{}, false
	}
	return *r.records[id], true
}

func (r *Registry) ListByCreator(creator poolmachine.Account) (out []Record) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, id := range r.order {
		if rec := r.records[id]; rec.Creator == creator {
			out = append(out, *rec)
		}
	}
	return
}

// ListPublic pages through public pools in registration order. Out of range pages are empty.
func (r *Registry) ListPublic(offset, limit int64) []Record {
	return r.page(func(*Record) bool { return true }, offset, limit)
}

// SearchPublic pages through public pools whose discovery keywords contain keyword.
func (r *Registry) SearchPublic(keyword string, offset, limit int64) []Record {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return []Record{}
	}
	return r.page(func(rec *Record) bool {
		if strings.Contains(rec.Slug, keyword) {
			return true
		}
		for _, k := range rec.Keywords {
			if strings.Contains(k, keyword) {
				return true
			}
		}
		return false
	}, offset, limit)
}

func (r *Registry) page(match func(*Record) bool, offset, limit int64) []Record {
	out := []Record{}
	if offset < 0 || limit <= 0 {
		return out
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var skipped int64
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Visibility != poolmachine.VisibilityPublic || !match(rec) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *rec)
		if int64(len(out)) == limit {
			break
		}
	}
	return out
}

// keywords extracts the discovery phrases from a pool's title and description.
func keywords(text string) (out []string) {
	seen := make(map[string]struct{})
	for _, candidate := range rake.RunRake(text) {
		k := strings.ToLower(strings.TrimSpace(candidate.Key))
		if len(k) == 0 || len(k) >= 50 {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return
}

func (r *Registry) StateHash() poolmachine.HashSeq {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var hs poolmachine.HashSeq
	hs.Component = "registry"
	for _, id := range r.order {
		rec := r.records[id]
		hs.Sequence += 1
		hs.Append(rec.RecordID, rec.PoolID, rec.Address, rec.Creator, rec.Slug,
			string(rec.Visibility), string(rec.Status), rec.CreatedAt, rec.Order)
	}
	hs.S256()
	return hs
}

type snapshot struct {
	Max     int64
	Records []Record
}

func (r *Registry) Save(w io.Writer) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s := snapshot{Max: r.max}
	for _, id := range r.order {
		s.Records = append(s.Records, *r.records[id])
	}
	return json.NewEncoder(w).Encode(s)
}

// Restore replaces the registry contents. The creator limit stays as configured.
func (r *Registry) Restore(rd io.Reader) error {
	var s snapshot
	if err := json.NewDecoder(rd).Decode(&s); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = make(map[poolmachine.PoolID]*Record)
	r.slugs = make(map[string]poolmachine.PoolID)
	r.order = nil
	sort.SliceStable(s.Records, func(i, j int) bool { return s.Records[i].Order < s.Records[j].Order })
	for i := range s.Records {
		rec := s.Records[i]
		r.records[rec.PoolID] = &rec
		r.slugs[rec.Slug] = rec.PoolID
		r.order = append(r.order, rec.PoolID)
	}
	return nil
}
