package devmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstor/ionexus/pkg/reactor"
)

type recordingNexus struct {
	mu      sync.Mutex
	removed []string
}

func (n *recordingNexus) RemoveChildDevice(ctx context.Context, childURI string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, childURI)
	return nil
}

func (n *recordingNexus) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.removed...)
}

func TestDevmonExecutesInFIFOOrder(t *testing.T) {
	pool := reactor.NewPool(1, 16)
	defer pool.Stop()

	nx := &recordingNexus{}
	lookup := func(name string) (NexusHandle, bool) { return nx, true }
	m := New(lookup, pool.Primary(), 16)
	m.Start()
	defer m.Stop()

	m.Enqueue(RemoveDevice{NexusName: "n1", ChildDevice: "child-1"})
	m.Enqueue(RemoveDevice{NexusName: "n1", ChildDevice: "child-2"})
	m.Enqueue(RemoveDevice{NexusName: "n1", ChildDevice: "child-3"})

	require.Eventually(t, func() bool {
		return len(nx.snapshot()) == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"child-1", "child-2", "child-3"}, nx.snapshot())
}

func TestDevmonDiscardsCommandOnLookupMiss(t *testing.T) {
	pool := reactor.NewPool(1, 16)
	defer pool.Stop()

	nx := &recordingNexus{}
	lookup := func(name string) (NexusHandle, bool) {
		if name == "gone" {
			return nil, false
		}
		return nx, true
	}
	m := New(lookup, pool.Primary(), 16)
	m.Start()
	defer m.Stop()

	m.Enqueue(RemoveDevice{NexusName: "gone", ChildDevice: "child-1"})

	// The monitor must not block or panic on a missed lookup; a follow-up
	// command on a live nexus still executes, proving the queue kept moving.
	m.Enqueue(RemoveDevice{NexusName: "n1", ChildDevice: "child-x"})

	require.Eventually(t, func() bool {
		return len(nx.snapshot()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"child-x"}, nx.snapshot())
}

func TestDevmonStopDiscardsPendingCommands(t *testing.T) {
	pool := reactor.NewPool(1, 16)
	defer pool.Stop()

	nx := &recordingNexus{}
	m := New(func(name string) (NexusHandle, bool) { return nx, true }, pool.Primary(), 16)
	m.Stop() // stop before Start: Enqueue must not block forever

	done := make(chan struct{})
	go func() {
		m.Enqueue(RemoveDevice{NexusName: "n1", ChildDevice: "child-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue must not block after Stop")
	}
}

func TestRemoveDeviceString(t *testing.T) {
	cmd := RemoveDevice{NexusName: "n1", ChildDevice: "child-1"}
	assert.Contains(t, cmd.String(), "n1")
	assert.Contains(t, cmd.String(), "child-1")
}
