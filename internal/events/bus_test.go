package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)
	ch1, cancel1 := b.Subscribe(DropOldest, 4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(DropOldest, 4)
	defer cancel2()

	b.Publish(Event{Type: NodeRegistered, NodeID: "n1"})

	select {
	case evt := <-ch1:
		assert.Equal(t, NodeRegistered, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("ch1 never received event")
	}
	select {
	case evt := <-ch2:
		assert.Equal(t, NodeRegistered, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("ch2 never received event")
	}
}

func TestCancelStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(DropOldest, 4)
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	b.Publish(Event{Type: NodeRegistered})
}

func TestDropOldestEvictsOldestWhenFull(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(DropOldest, 1)
	defer cancel()

	b.Publish(Event{Type: NodeRegistered, NodeID: "first"})
	b.Publish(Event{Type: NodeRegistered, NodeID: "second"})

	evt := <-ch
	assert.Equal(t, "second", evt.NodeID)
}

func TestDropNewestKeepsBacklogWhenFull(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(DropNewest, 1)
	defer cancel()

	b.Publish(Event{Type: NodeRegistered, NodeID: "first"})
	b.Publish(Event{Type: NodeRegistered, NodeID: "second"})

	evt := <-ch
	assert.Equal(t, "first", evt.NodeID)
}

func TestCoalesceCollapsesBurstToLatest(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(Coalesce, 1)
	defer cancel()

	b.Publish(Event{Type: NodeRegistered, NodeID: "first"})
	b.Publish(Event{Type: NodeRegistered, NodeID: "second"})
	b.Publish(Event{Type: NodeRegistered, NodeID: "third"})

	evt := <-ch
	assert.Equal(t, "third", evt.NodeID)

	select {
	case <-ch:
		t.Fatal("expected only one coalesced event")
	default:
	}
}

// With a buffer deeper than 1, Coalesce must collapse the whole
// backlog on every overflow rather than rotating out a single slot
// like DropOldest, otherwise the two policies are indistinguishable.
func TestCoalesceDrainsWholeBacklogUnlikeDropOldest(t *testing.T) {
	dropOldest := New(nil)
	doCh, doCancel := dropOldest.Subscribe(DropOldest, 2)
	defer doCancel()

	coalesce := New(nil)
	coCh, coCancel := coalesce.Subscribe(Coalesce, 2)
	defer coCancel()

	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	for _, id := range ids {
		dropOldest.Publish(Event{Type: NodeRegistered, NodeID: id})
		coalesce.Publish(Event{Type: NodeRegistered, NodeID: id})
	}

	var doDrained, coDrained []string
	for {
		select {
		case evt := <-doCh:
			doDrained = append(doDrained, evt.NodeID)
			continue
		default:
		}
		break
	}
	for {
		select {
		case evt := <-coCh:
			coDrained = append(coDrained, evt.NodeID)
			continue
		default:
		}
		break
	}

	assert.Equal(t, []string{"n4", "n5"}, doDrained)
	assert.Equal(t, []string{"n5"}, coDrained)
}

func TestPublishDoesNotBlockWhenNoSubscribers(t *testing.T) {
	b := New(nil)
	require.NotPanics(t, func() {
		b.Publish(Event{Type: TaskCompleted})
	})
}
