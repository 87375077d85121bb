package conductor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"poolmachine/database"
	"poolmachine/escrow/pool"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

type saver interface {
	Save(w io.Writer) error
}

type restorer interface {
	Restore(r io.Reader) error
}

func (e *Engine) components() map[string]interface{} {
	return map[string]interface{}{
		"strategies": e.catalog,
		"registry":   e.registry,
		"factory":    e.factory,
		"ledger":     e.ledger,
	}
}

// Persist writes every component and pool to the store.
func (e *Engine) Persist() error {
	if e.store == nil {
		return nil
	}
	for name, c := range e.components() {
		if err := write(e.store, name, "current", c.(saver)); err != nil {
			return fmt.Errorf("persisting %s: %w", name, err)
		}
	}
	for _, p := range e.Pools() {
		if err := write(e.store, "pools", p.ID(), p); err != nil {
			return fmt.Errorf("persisting pool %s: %w", p.ID(), err)
		}
	}
	poolmachine.LogCLI("engine state written to "+e.store.Dir(), 4)
	return nil
}

func write(store *database.Store, component, name string, s saver) error {
	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		return err
	}
	return store.Write(component, name, buf.Bytes())
}

// Load restores every component and pool found in the store. Pools are migrated to the current
// schema on the way in.
func (e *Engine) Load() error {
	if e.store == nil {
		return nil
	}
	for name, c := range e.components() {
		if err := read(e.store, name, "current", c.(restorer)); err != nil {
			return fmt.Errorf("restoring %s: %w", name, err)
		}
	}
	names, err := e.store.Names("pools")
	if err != nil {
		return err
	}
	deps := e.factory.Deps()
	loaded := make(map[poolmachine.PoolID]*pool.Pool)
	for _, name := range names {
		f, ok := e.store.Open("pools", name)
		if !ok {
			continue
		}
		p, err := pool.Load(f, deps)
		f.Close()
		if err != nil {
			return fmt.Errorf("restoring pool %s: %w", name, err)
		}
		loaded[p.ID()] = p
	}
	e.mutex.Lock()
	e.pools = loaded
	e.mutex.Unlock()
	poolmachine.LogCLI(fmt.Sprintf("restored %d pools from %s", len(loaded), e.store.Dir()), 4)
	return nil
}

func read(store *database.Store, component, name string, r restorer) error {
	f, ok := store.Open(component, name)
	if !ok {
		return nil
	}
	defer f.Close()
	return r.Restore(f)
}

// storeMirror is an off-chain mirror that writes each event as a document in the store.
type storeMirror struct {
	store *database.Store
}

func NewStoreMirror(store *database.Store) events.Mirror {
	return &storeMirror{store: store}
}

func (m *storeMirror) Mirror(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(struct {
		ID        string
		Kind      string
		PoolID    poolmachine.PoolID
		Sequence  int64
		Timestamp int64
		Body      interface{}
	}{ev.ID(), ev.Kind.String(), ev.PoolID, ev.Sequence, ev.Timestamp, ev.Body})
	if err != nil {
		return err
	}
	return m.store.Write("mirror", fmt.Sprintf("%s-%06d-%d", ev.PoolID, ev.Sequence, ev.Kind), b)
}
