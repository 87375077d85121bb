package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sasha-s/go-deadlock"

	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Emitter receives events after the operation that produced them has committed.
type Emitter interface {
	Emit(e Event)
}

// Bus fans events out to named subscribers. A slow subscriber loses events rather than
// stalling the engine, unless it subscribed with a wait, in which case Emit blocks up to that long.
type Bus struct {
	mutex       *deadlock.Mutex
	buffer      int
	subscribers map[string]*subscriber
	dropped     map[string]int64
}

type subscriber struct {
	c    chan Event
	wait time.Duration
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		mutex:       &deadlock.Mutex{},
		buffer:      buffer,
		subscribers: make(map[string]*subscriber),
		dropped:     make(map[string]int64),
	}
}

func (b *Bus) Emit(e Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for name, s := range b.subscribers {
		if s.deliver(e) {
			continue
		}
		b.dropped[name]++
		poolmachine.LogCLI(fmt.Sprintf("subscriber %s is full, dropped %s for pool %s", name, e.Kind, e.PoolID), 2)
	}
}

func (s *subscriber) deliver(e Event) bool {
	select {
	case s.c <- e:
		return true
	default:
	}
	if s.wait <= 0 {
		return false
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.c <- e:
		return true
	case <-timer.C:
		return false
	}
}

// Subscribe registers a named subscriber that loses events when it falls behind. Names are unique.
func (b *Bus) Subscribe(name string) (<-chan Event, error) {
	return b.SubscribeWithWait(name, 0)
}

// SubscribeWithWait registers a subscriber that Emit waits for, up to wait per event, when its
// buffer is full.
func (b *Bus) SubscribeWithWait(name string, wait time.Duration) (<-chan Event, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, taken := b.subscribers[name]; taken {
		return nil, fmt.Errorf("subscriber %s already exists", name)
	}
	c := make(chan Event, b.buffer)
	b.subscribers[name] = &subscriber{c: c, wait: wait}
	return c, nil
}

func (b *Bus) Unsubscribe(name string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if s, ok := b.subscribers[name]; ok {
		close(s.c)
		delete(b.subscribers, name)
	}
}

// Dropped returns how many events a subscriber has lost.
func (b *Bus) Dropped(name string) int64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.dropped[name]
}

// Recorder is an Emitter that keeps every event in memory.
type Recorder struct {
	mutex  deadlock.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind, oldest first.
func (r *Recorder) OfKind(k Kind) (out []Event) {
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return
}

// Fanout emits to several emitters in order.
type Fanout []Emitter

func (f Fanout) Emit(e Event) {
	for _, em := range f {
		if em != nil {
			em.Emit(e)
		}
	}
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

func bodyKey(body interface{}) string {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprint(body)
	}
	return string(b)
}

// Mirror is the off-chain document store that shadows pool state.
type Mirror interface {
	Mirror(ctx context.Context, e Event) error
}

// RunMirror forwards events to the mirror until ctx is done or the channel is closed. Mirror
// failures are logged and skipped, the mirror is eventually consistent.
func RunMirror(ctx context.Context, events <-chan Event, m Mirror) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := m.Mirror(ctx, e); err != nil {
				poolmachine.LogCLI(fmt.Sprintf("mirror rejected %s for pool %s: %s", e.Kind, e.PoolID, err.Error()), 2)
			}
		}
	}
}
