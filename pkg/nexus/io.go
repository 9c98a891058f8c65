package nexus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/metrics"
	"github.com/flowstor/ionexus/pkg/types"
)

// WriteAt fans buf out to every Open child in parallel (§4.F I/O dispatch).
// The call completes when the last successful child completes; a child
// that errors is immediately faulted and the write still succeeds as long
// as at least one Open child remained. If every child fails, the write
// fails.
func (n *Nexus) WriteAt(ctx context.Context, off uint64, buf []byte) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.NexusIODuration, "write")

	children := n.openChildrenSnapshot()
	if len(children) == 0 {
		return 0, ioerr.New(ioerr.WriteError, n.name+": no open children")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(children))
	for i, c := range children {
		wg.Add(1)
		go func(i int, c *Child) {
			defer wg.Done()
			if _, err := c.handle.Write(ctx, off, buf); err != nil {
				errs[i] = err
			}
		}(i, c)
	}
	wg.Wait()

	successes := 0
	var failed []*Child
	for i, err := range errs {
		if err != nil {
			failed = append(failed, children[i])
			continue
		}
		successes++
	}
	for _, c := range failed {
		n.retireChild(ctx, c, types.FaultIoError)
	}
	if successes == 0 {
		return 0, ioerr.New(ioerr.WriteError, n.name+": all children failed")
	}
	return len(buf), nil
}

// ReadAt picks one Open child deterministically (round-robin) and reads
// from it. On error the child is faulted and the read is retried once on
// another Open child; if none remain the read fails.
func (n *Nexus) ReadAt(ctx context.Context, off uint64, buf []byte) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.NexusIODuration, "read")

	children := n.openChildrenSnapshot()
	if len(children) == 0 {
		return 0, ioerr.New(ioerr.ReadError, n.name+": no open children")
	}

	idx := atomic.AddUint64(&n.readRR, 1) - 1
	c := children[idx%uint64(len(children))]

	count, err := c.handle.Read(ctx, off, buf)
	if err == nil {
		return count, nil
	}

	n.retireChild(ctx, c, types.FaultIoError)

	retry := n.openChildrenSnapshot()
	if len(retry) == 0 {
		return 0, ioerr.Wrap(ioerr.ReadError, n.name+": no surviving child for retry", err)
	}
	count, err = retry[0].handle.Read(ctx, off, buf)
	if err != nil {
		return 0, ioerr.Wrap(ioerr.ReadError, n.name, err)
	}
	return count, nil
}

// allSupport reports whether every currently Open child supports kind
// (§4.F: "Flush, Unmap, WriteZeros, Reset are supported only if every Open
// child supports them; else the Nexus reports unsupported").
func (n *Nexus) allSupport(kind bdev.IOType) ([]*Child, bool) {
	children := n.openChildrenSnapshot()
	for _, c := range children {
		if !c.handle.IOTypeSupported(kind) {
			return children, false
		}
	}
	return children, true
}

// Flush flushes every Open child.
func (n *Nexus) Flush(ctx context.Context) error {
	children, ok := n.allSupport(bdev.IOTypeFlush)
	if !ok {
		return ioerr.New(ioerr.InvalidArgument, n.name+": flush unsupported by a child")
	}
	for _, c := range children {
		if err := c.handle.Flush(ctx); err != nil {
			return ioerr.Wrap(ioerr.FlushFailed, n.name, err)
		}
	}
	return nil
}

// Unmap deallocates [off, off+length) on every Open child.
func (n *Nexus) Unmap(ctx context.Context, off, length uint64) error {
	children, ok := n.allSupport(bdev.IOTypeUnmap)
	if !ok {
		return ioerr.New(ioerr.InvalidArgument, n.name+": unmap unsupported by a child")
	}
	for _, c := range children {
		if err := c.handle.Unmap(ctx, off, length); err != nil {
			return ioerr.Wrap(ioerr.WriteError, n.name, err)
		}
	}
	return nil
}

// WriteZeros zero-fills [off, off+length) across every Open child.
func (n *Nexus) WriteZeros(ctx context.Context, off, length uint64) error {
	if _, ok := n.allSupport(bdev.IOTypeWriteZero); !ok {
		return ioerr.New(ioerr.InvalidArgument, n.name+": write_zeroes unsupported by a child")
	}
	buf := make([]byte, length)
	_, err := n.WriteAt(ctx, off, buf)
	return err
}

// Reset resets every Open child.
func (n *Nexus) Reset(ctx context.Context) error {
	children, ok := n.allSupport(bdev.IOTypeReset)
	if !ok {
		return ioerr.New(ioerr.InvalidArgument, n.name+": reset unsupported by a child")
	}
	for _, c := range children {
		if err := c.handle.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AdminPassthrough models NVMe admin passthrough: standard opcodes are
// allowed through, custom vendor opcodes fail with an InvalidArgument
// error whose message says they are unsupported (§4.F); ioerr has no
// separate Unsupported kind.
func (n *Nexus) AdminPassthrough(ctx context.Context, opcode uint8, vendorSpecific bool) error {
	if vendorSpecific {
		return ioerr.New(ioerr.InvalidArgument, "vendor-specific admin opcode unsupported")
	}
	return nil
}

// BlockSize returns the nexus's uniform child block size.
func (n *Nexus) BlockSize() uint32 { return n.blockSize }

// handle adapts *Nexus to bdev.Handle so it can be published through
// pkg/share the same way a Lvol's backing device is.
type handle struct{ n *Nexus }

func (n *Nexus) asHandle() bdev.Handle { return &handle{n: n} }

func (h *handle) Read(ctx context.Context, off uint64, buf []byte) (int, error) {
	return h.n.ReadAt(ctx, off, buf)
}
func (h *handle) Write(ctx context.Context, off uint64, buf []byte) (int, error) {
	return h.n.WriteAt(ctx, off, buf)
}
func (h *handle) Flush(ctx context.Context) error             { return h.n.Flush(ctx) }
func (h *handle) Unmap(ctx context.Context, off, l uint64) error { return h.n.Unmap(ctx, off, l) }
func (h *handle) Reset(ctx context.Context) error              { return h.n.Reset(ctx) }
func (h *handle) BlockSize() uint32                             { return h.n.BlockSize() }
func (h *handle) NumBlocks() uint64 {
	if h.n.blockSize == 0 {
		return 0
	}
	return h.n.sizeBytes / uint64(h.n.blockSize)
}
func (h *handle) Name() string { return h.n.name }
func (h *handle) IOTypeSupported(kind bdev.IOType) bool {
	_, ok := h.n.allSupport(kind)
	return ok
}
func (h *handle) Close() error { return nil }
