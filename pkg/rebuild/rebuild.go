// Package rebuild implements the snapshot-based range copier of §4.E: a
// one-shot job that repopulates a faulted nexus child from a healthy peer
// while the nexus stays online, with pause/resume/force_stop and progress
// reporting.
//
// The bounded concurrent-task pool is a buffered channel used as a counting
// semaphore, grounded on the teacher's CSI node driver's nvmeConnectSem
// pattern (a chan struct{} sized to a concurrency limit); the
// ticker/start-stop dispatch-loop shape is grounded on
// pkg/reconciler.Reconciler.run and pkg/scheduler.Scheduler.run. The job
// registry is a Registry value (NewRegistry) wrapping a sync.Map keyed by
// destination URI; cmd/ionexus creates one per process, the same "one
// table" shape as the teacher's pkg/storage.Store singleton, generalized
// from "one store" to "one job table".
package rebuild

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/types"
)

// SegmentSize is the fixed copy granule (§4.E step 1: "64KiB typical").
const SegmentSize = 64 * 1024

// DefaultTaskPoolSize is the bounded concurrent-task count (§4.E step 2:
// "typical: 16").
const DefaultTaskPoolSize = 16

// Job is a SnapshotRebuild: a one-shot range copier from src to dst.
type Job struct {
	mu    sync.Mutex
	name  string
	srcURI string
	dstURI string

	state     types.RebuildState
	blockSize uint64
	total     uint64 // segments, not blocks; "blocks" in stats are segment-sized units
	next      uint64 // monotone cursor: next un-dispatched segment index
	done      uint64 // atomic: segments transferred

	startTime time.Time
	endTime   time.Time

	pauseCh  chan struct{} // not used; pausing is tracked by state and resumeCh
	resumeCh chan struct{} // re-created by Pause, closed by Start to resume dispatch
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	src bdev.Handle
	dst bdev.Handle

	taskPoolSize int
}

// Builder configures a Job before construction, mirroring
// `builder().build(src_uri, dst_uuid) -> Job` of §4.E.
type Builder struct {
	taskPoolSize int
}

// NewBuilder returns a Builder with the default task pool size.
func NewBuilder() *Builder {
	return &Builder{taskPoolSize: DefaultTaskPoolSize}
}

// WithTaskPoolSize overrides the concurrent task-pool size.
func (b *Builder) WithTaskPoolSize(n int) *Builder {
	if n > 0 {
		b.taskPoolSize = n
	}
	return b
}

// Build opens src and dst and constructs a Job in state Init. It does not
// register the job into the process registry; call Registry.Store for that.
func (b *Builder) Build(ctx context.Context, name, srcURI, dstURI string) (*Job, error) {
	if srcURI == dstURI {
		return nil, ioerr.New(ioerr.SameBdev, name)
	}

	src, err := bdev.Open(ctx, srcURI, false, false)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.BdevNotFound, srcURI, err)
	}
	dst, err := bdev.Open(ctx, dstURI, true, false)
	if err != nil {
		src.Close()
		return nil, ioerr.Wrap(ioerr.BdevNotFound, dstURI, err)
	}

	segBytes := uint64(SegmentSize)
	srcBlk, dstBlk := uint64(src.BlockSize()), uint64(dst.BlockSize())
	if segBytes%srcBlk != 0 || segBytes%dstBlk != 0 {
		src.Close()
		dst.Close()
		return nil, ioerr.New(ioerr.InvalidSrcDstRange, "segment size must be a multiple of both block sizes")
	}

	dstBytes := dst.NumBlocks() * dstBlk
	if dst.NumBlocks()*dstBlk > src.NumBlocks()*srcBlk {
		src.Close()
		dst.Close()
		return nil, ioerr.New(ioerr.InvalidSrcDstRange, "destination larger than source")
	}

	total := (dstBytes + segBytes - 1) / segBytes

	j := &Job{
		name:         name,
		srcURI:       srcURI,
		dstURI:       dstURI,
		state:        types.RebuildInit,
		blockSize:    segBytes,
		total:        total,
		src:          src,
		dst:          dst,
		taskPoolSize: b.taskPoolSize,
		resumeCh:     make(chan struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	return j, nil
}

// Name returns the job's name.
func (j *Job) Name() string { return j.name }

// DstURI returns the job's destination URI, used as the registry key.
func (j *Job) DstURI() string { return j.dstURI }

// State returns the job's current lifecycle state.
func (j *Job) State() types.RebuildState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Stats returns a progress snapshot taken under a short lock, so that the
// reported values are mutually consistent at a single instant (§4.E:
// "progress reporting ... consistent across a single call").
func (j *Job) Stats() types.RebuildStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	transferred := atomic.LoadUint64(&j.done)
	return types.RebuildStats{
		BlocksTotal:       j.total,
		BlocksTransferred: transferred,
		BlocksRemaining:   j.total - transferred,
		BlockSize:         j.blockSize,
		StartTime:         j.startTime,
		EndTime:           j.endTime,
	}
}

// Start transitions Init/Paused -> Running and begins (or resumes) segment
// dispatch. Only Init/Paused may Start (§4.E state machine).
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != types.RebuildInit && j.state != types.RebuildPaused {
		st := j.state
		j.mu.Unlock()
		return ioerr.New(ioerr.InvalidArgument, fmt.Sprintf("rebuild %s: cannot start from state %s", j.name, st))
	}
	wasPaused := j.state == types.RebuildPaused
	j.state = types.RebuildRunning
	if j.startTime.IsZero() {
		j.startTime = time.Now()
	}
	j.mu.Unlock()

	metrics.RebuildJobsTotal.WithLabelValues(string(types.RebuildRunning)).Inc()
	if wasPaused {
		close(j.resumeCh)
		return nil
	}

	go j.run(ctx)
	return nil
}

// Pause suspends dispatch of new segments; in-flight tasks are allowed to
// complete (§4.E step 4). Only Running may Pause.
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != types.RebuildRunning {
		return ioerr.New(ioerr.InvalidArgument, fmt.Sprintf("rebuild %s: cannot pause from state %s", j.name, j.state))
	}
	j.state = types.RebuildPaused
	j.resumeCh = make(chan struct{})
	return nil
}

// Stop requests a graceful stop: in-flight segments complete, no new ones
// dispatch, terminal state becomes Stopped. Only Running may Stop.
func (j *Job) Stop() error {
	j.mu.Lock()
	if j.state != types.RebuildRunning {
		st := j.state
		j.mu.Unlock()
		return ioerr.New(ioerr.InvalidArgument, fmt.Sprintf("rebuild %s: cannot stop from state %s", j.name, st))
	}
	j.mu.Unlock()
	j.stopOnce.Do(func() { close(j.stopCh) })
	return nil
}

// ForceStop is the sanctioned cancellation path valid in any non-terminal
// state, idempotent (§5: "the rebuild engine's force_stop is the only
// sanctioned cancellation path for a running job").
func (j *Job) ForceStop() {
	j.mu.Lock()
	terminal := j.state.Terminal()
	j.mu.Unlock()
	if terminal {
		return
	}
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// Wait blocks until the job reaches a terminal state.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) run(ctx context.Context) {
	defer close(j.doneCh)
	defer j.src.Close()
	defer j.dst.Close()

	sem := make(chan struct{}, j.taskPoolSize)
	var wg sync.WaitGroup
	var failed atomic.Bool
	var failErr atomic.Value

	for {
		j.mu.Lock()
		paused := j.state == types.RebuildPaused
		resumeCh := j.resumeCh
		j.mu.Unlock()
		if paused {
			select {
			case <-resumeCh:
			case <-j.stopCh:
				wg.Wait()
				j.finish(types.RebuildStopped)
				return
			case <-ctx.Done():
				wg.Wait()
				j.finish(types.RebuildFailed)
				return
			}
			continue
		}

		idx := atomic.AddUint64(&j.next, 1) - 1
		if idx >= j.total {
			break
		}

		select {
		case <-j.stopCh:
			goto drain
		default:
		}
		select {
		case <-j.stopCh:
			goto drain
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(segment uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			if failed.Load() {
				return
			}
			if err := j.copySegment(ctx, segment); err != nil {
				if failed.CompareAndSwap(false, true) {
					failErr.Store(err)
				}
				return
			}
			atomic.AddUint64(&j.done, 1)
			metrics.RebuildBlocksTransferred.WithLabelValues(j.name).Set(float64(atomic.LoadUint64(&j.done)))
		}(idx)
	}

drain:
	wg.Wait()

	select {
	case <-j.stopCh:
		j.finish(types.RebuildStopped)
		return
	default:
	}

	if failed.Load() {
		err, _ := failErr.Load().(error)
		log.WithJobName(j.name).Error().Err(err).Msg("rebuild failed")
		j.finish(types.RebuildFailed)
		return
	}

	if err := j.dst.Flush(ctx); err != nil {
		log.WithJobName(j.name).Error().Err(err).Msg("rebuild destination flush failed")
		j.finish(types.RebuildFailed)
		return
	}
	j.finish(types.RebuildCompleted)
}

func (j *Job) copySegment(ctx context.Context, segment uint64) error {
	off := segment * j.blockSize
	length := j.blockSize
	remaining := j.dst.NumBlocks()*uint64(j.dst.BlockSize()) - off
	if length > remaining {
		length = remaining
	}

	buf := make([]byte, length)
	if _, err := j.src.Read(ctx, off, buf); err != nil {
		return ioerr.Wrap(ioerr.ReadError, j.srcURI, err)
	}
	if _, err := j.dst.Write(ctx, off, buf); err != nil {
		return ioerr.Wrap(ioerr.WriteError, j.dstURI, err)
	}
	return nil
}

func (j *Job) finish(state types.RebuildState) {
	j.mu.Lock()
	j.state = state
	j.endTime = time.Now()
	j.mu.Unlock()
	metrics.RebuildJobsTotal.WithLabelValues(string(types.RebuildRunning)).Dec()
	metrics.RebuildJobsTotal.WithLabelValues(string(state)).Inc()
	if !j.startTime.IsZero() {
		metrics.RebuildDuration.Observe(j.endTime.Sub(j.startTime).Seconds())
	}
	log.WithJobName(j.name).Info().Str("state", string(state)).Msg("rebuild job finished")
}

// Registry is the process-wide job table, keyed by destination uuid/uri; at
// most one job per destination may exist at any time (§4.E, §8 invariant 6).
type Registry struct {
	jobs sync.Map // dstURI -> *Job
}

// NewRegistry returns an empty job registry.
func NewRegistry() *Registry { return &Registry{} }

// Store inserts job, keyed by its destination, rejecting duplicates.
func (r *Registry) Store(job *Job) error {
	if _, loaded := r.jobs.LoadOrStore(job.dstURI, job); loaded {
		return ioerr.New(ioerr.JobAlreadyExists, job.dstURI)
	}
	return nil
}

// Lookup finds a job by its destination key.
func (r *Registry) Lookup(dstURI string) (*Job, bool) {
	v, ok := r.jobs.Load(dstURI)
	if !ok {
		return nil, false
	}
	return v.(*Job), true
}

// Remove deletes job from the registry — called after it reaches a terminal
// state and the caller has consumed its final stats.
func (r *Registry) Remove(dstURI string) {
	r.jobs.Delete(dstURI)
}

// List returns every job currently registered.
func (r *Registry) List() []*Job {
	var out []*Job
	r.jobs.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Job))
		return true
	})
	return out
}

// ListRebuildSnapshots implements metrics.RebuildLister by projecting every
// registered job into the collector's domain-agnostic snapshot shape.
func (r *Registry) ListRebuildSnapshots() []metrics.RebuildSnapshot {
	jobs := r.List()
	out := make([]metrics.RebuildSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, metrics.RebuildSnapshot{
			Name:              j.Name(),
			State:             string(j.State()),
			BlocksTransferred: j.Stats().BlocksTransferred,
		})
	}
	return out
}
