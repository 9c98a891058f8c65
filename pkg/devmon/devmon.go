// Package devmon implements the single-consumer device-monitor work queue
// of §4.G: a many-producer queue of RemoveDevice commands, drained one at a
// time every 10ms on the primary reactor. Grounded directly on
// original_source/io-engine/src/core/device_monitor.rs for the command
// shape and the "look the nexus up again at execution time, do nothing if
// it's gone" cancellation rule, and on the teacher's
// pkg/reconciler.Reconciler for the Go ticker-loop shape.
package devmon

import (
	"context"
	"sync"
	"time"

	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/reactor"
)

// RemoveDevice is the single command kind the monitor carries: retire
// childDevice from nexusName.
type RemoveDevice struct {
	NexusName   string
	ChildDevice string
}

func (c RemoveDevice) String() string {
	return "RemoveDevice{nexus=" + c.NexusName + ", child=" + c.ChildDevice + "}"
}

// NexusHandle is the minimal surface the monitor needs from a live nexus to
// execute a RemoveDevice command.
type NexusHandle interface {
	RemoveChildDevice(ctx context.Context, childURI string) error
}

// Lookup resolves a nexus by name at command-execution time. A missed
// lookup (nexus already destroyed) is not an error: the command is simply
// discarded, per §4.G's "a destroyed nexus must discard its own pending
// commands upon lookup failure".
type Lookup func(name string) (NexusHandle, bool)

// Monitor is the process-wide single-consumer work queue.
type Monitor struct {
	lookup  Lookup
	primary *reactor.Reactor
	queue   chan RemoveDevice
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Monitor bound to the given nexus lookup and primary
// reactor. queueDepth bounds the number of producers that can be ahead of
// the consumer before Enqueue blocks.
func New(lookup Lookup, primary *reactor.Reactor, queueDepth int) *Monitor {
	return &Monitor{
		lookup:  lookup,
		primary: primary,
		queue:   make(chan RemoveDevice, queueDepth),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue adds a command to the queue. FIFO is preserved per-producer
// because it is the same buffered channel for every caller.
func (m *Monitor) Enqueue(cmd RemoveDevice) {
	metrics.DeviceMonitorQueueDepth.Set(float64(len(m.queue)))
	select {
	case m.queue <- cmd:
	case <-m.stopCh:
	}
}

// Start begins the 10ms-tick consumer loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the consumer loop; pending commands are discarded.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			select {
			case cmd := <-m.queue:
				m.execute(cmd)
			default:
			}
		}
	}
}

func (m *Monitor) execute(cmd RemoveDevice) {
	ctx := context.Background()
	resultCh := m.primary.SpawnAt(ctx, func() error {
		logger := log.WithNexusName(cmd.NexusName)
		n, ok := m.lookup(cmd.NexusName)
		if !ok {
			logger.Debug().Str("child", cmd.ChildDevice).Msg("device monitor: nexus gone, discarding command")
			metrics.DeviceMonitorCommandsTotal.WithLabelValues("discarded").Inc()
			return nil
		}
		if err := n.RemoveChildDevice(ctx, cmd.ChildDevice); err != nil {
			logger.Error().Err(err).Msg("device monitor: remove device failed")
			metrics.DeviceMonitorCommandsTotal.WithLabelValues("failed").Inc()
			return err
		}
		metrics.DeviceMonitorCommandsTotal.WithLabelValues("executed").Inc()
		return nil
	})
	<-resultCh
	metrics.DeviceMonitorQueueDepth.Set(float64(len(m.queue)))
}
