package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOutAndDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	a, err := bus.Subscribe("a")
	require.NoError(t, err)
	_, err = bus.Subscribe("a")
	assert.Error(t, err)

	bus.Emit(Event{Kind: KindPoolCreated, PoolID: "p1"})
	bus.Emit(Event{Kind: KindPoolCancelled, PoolID: "p1"})

	got := <-a
	assert.Equal(t, KindPoolCreated, got.Kind)
	assert.Equal(t, int64(1), bus.Dropped("a"))

	bus.Unsubscribe("a")
	_, open := <-a
	assert.False(t, open)
}

func TestWaitingSubscriberCatchesUp(t *testing.T) {
	bus := NewBus(1)
	mirror, err := bus.SubscribeWithWait("mirror", time.Second)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 5; i++ {
			bus.Emit(Event{Kind: KindVoteCast, PoolID: "p1", Sequence: i})
		}
	}()
	for i := int64(1); i <= 5; i++ {
		time.Sleep(5 * time.Millisecond)
		got := <-mirror
		assert.Equal(t, i, got.Sequence)
	}
	<-done
	assert.Zero(t, bus.Dropped("mirror"))
}

func TestWaitingSubscriberGivesUpAfterItsWait(t *testing.T) {
	bus := NewBus(1)
	_, err := bus.SubscribeWithWait("mirror", 10*time.Millisecond)
	require.NoError(t, err)
	bus.Emit(Event{Kind: KindVoteCast, PoolID: "p1", Sequence: 1})
	bus.Emit(Event{Kind: KindVoteCast, PoolID: "p1", Sequence: 2})
	assert.Equal(t, int64(1), bus.Dropped("mirror"))
}

func TestEventIDIsStable(t *testing.T) {
	e := Event{Kind: KindFundsReleased, PoolID: "p1", Sequence: 4, Body: FundsReleased{PoolID: "p1", MilestoneID: "m1", Amount: 50, Recipient: "alice"}}
	same := e
	same.Timestamp = 99
	assert.Equal(t, e.ID(), same.ID())
	other := e
	other.Sequence = 5
	assert.NotEqual(t, e.ID(), other.ID())
	assert.Equal(t, "FundsReleased", e.Kind.String())
}

type flakyMirror struct {
	mutex sync.Mutex
	seen  []Kind
}

func (m *flakyMirror) Mirror(_ context.Context, e Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.seen = append(m.seen, e.Kind)
	if e.Kind == KindVoteCast {
		return errors.New("document store unavailable")
	}
	return nil
}

func TestRunMirrorSkipsFailures(t *testing.T) {
	c := make(chan Event, 3)
	c <- Event{Kind: KindVoteCast}
	c <- Event{Kind: KindPoolCancelled}
	close(c)
	m := &flakyMirror{}
	done := make(chan struct{})
	go func() {
		RunMirror(context.Background(), c, m)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror worker did not stop after the channel closed")
	}
	assert.Equal(t, []Kind{KindVoteCast, KindPoolCancelled}, m.seen)
}

func TestRecorderFiltersByKind(t *testing.T) {
	var r Recorder
	Fanout{&r, nil}.Emit(Event{Kind: KindVoteCast})
	r.Emit(Event{Kind: KindPoolCreated})
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfKind(KindVoteCast), 1)
}
