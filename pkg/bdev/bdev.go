// Package bdev implements the uniform block-device abstraction: a single
// read/write/flush/unmap/reset interface over in-memory, file-backed,
// remote NVMe-oF and fault-injecting backends, opened from a URI.
//
// Handles are refcounted the way the teacher's container/volume drivers
// are referenced from a single registry map (pkg/volume.VolumeManager);
// the last Close on a handle tears down the underlying backend
// deterministically, matching §4.A's "closing is deterministic on the last
// reference".
package bdev

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

// IOType enumerates the operation kinds a Handle may or may not support.
type IOType string

const (
	IOTypeRead      IOType = "read"
	IOTypeWrite     IOType = "write"
	IOTypeFlush     IOType = "flush"
	IOTypeUnmap     IOType = "unmap"
	IOTypeReset     IOType = "reset"
	IOTypeWriteZero IOType = "write_zeroes"
)

// Handle is a uniform, refcounted block-device handle.
type Handle interface {
	Read(ctx context.Context, off uint64, buf []byte) (int, error)
	Write(ctx context.Context, off uint64, buf []byte) (int, error)
	Flush(ctx context.Context) error
	Unmap(ctx context.Context, off, length uint64) error
	Reset(ctx context.Context) error
	BlockSize() uint32
	NumBlocks() uint64
	IOTypeSupported(kind IOType) bool
	Name() string
	Close() error
}

// backend is implemented by every concrete driver's handle before it gets
// wrapped in refCounted.
type backend interface {
	Handle
}

// Driver opens handles for one URI scheme.
type Driver interface {
	// Scheme is the URI scheme this driver registers under, e.g. "malloc".
	Scheme() string
	// Open parses opaque URI parameters (already scheme-stripped) and
	// returns a fresh, unwrapped backend handle.
	Open(ctx context.Context, uri ParsedURI, readWrite bool, exclusive bool) (Handle, error)
}

var (
	registryMu sync.RWMutex
	drivers    = map[string]Driver{}
	claims     = map[string]string{} // device name -> claimant
)

// Register installs a Driver under its scheme. Called from each backend's
// package init, the way the teacher's VolumeManager registers drivers by
// name in NewVolumeManager.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	drivers[d.Scheme()] = d
}

// Claim records that name is now owned by owner; it fails with Busy if name
// is already claimed, whoever holds it, implementing the exclusive-claim
// model of §5 ("a base device may be claimed by at most one owner"). The
// owner string is kept for the error message.
func Claim(name, owner string) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := claims[name]; ok {
		return ioerr.New(ioerr.Busy, fmt.Sprintf("device %q already claimed by %q", name, existing))
	}
	claims[name] = owner
	return nil
}

// Unclaim releases a prior Claim.
func Unclaim(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(claims, name)
}

// Open parses uri, dispatches to the registered driver for its scheme, and
// wraps the result in a refcounted Handle with an initial reference count
// of one.
func Open(ctx context.Context, uri string, readWrite, exclusive bool) (Handle, error) {
	parsed, err := Parse(uri)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidURI, uri, err)
	}

	registryMu.RLock()
	d, ok := drivers[parsed.Scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, ioerr.New(ioerr.InvalidURI, fmt.Sprintf("unknown bdev scheme %q", parsed.Scheme))
	}

	h, err := d.Open(ctx, parsed, readWrite, exclusive)
	if err != nil {
		return nil, err
	}
	return &refCounted{inner: h, count: 1}, nil
}

// refCounted wraps a backend handle with a shared reference count so that
// multiple holders (e.g. a Nexus child and an in-flight rebuild task) can
// each Close independently without the underlying resource closing early.
type refCounted struct {
	inner backend
	count int64
}

func (r *refCounted) Ref() *refCounted {
	atomic.AddInt64(&r.count, 1)
	return r
}

func (r *refCounted) Read(ctx context.Context, off uint64, buf []byte) (int, error) {
	return r.inner.Read(ctx, off, buf)
}
func (r *refCounted) Write(ctx context.Context, off uint64, buf []byte) (int, error) {
	return r.inner.Write(ctx, off, buf)
}
func (r *refCounted) Flush(ctx context.Context) error             { return r.inner.Flush(ctx) }
func (r *refCounted) Unmap(ctx context.Context, off, n uint64) error { return r.inner.Unmap(ctx, off, n) }
func (r *refCounted) Reset(ctx context.Context) error             { return r.inner.Reset(ctx) }
func (r *refCounted) BlockSize() uint32                           { return r.inner.BlockSize() }
func (r *refCounted) NumBlocks() uint64                           { return r.inner.NumBlocks() }
func (r *refCounted) Name() string                                { return r.inner.Name() }
func (r *refCounted) IOTypeSupported(kind IOType) bool            { return r.inner.IOTypeSupported(kind) }

func (r *refCounted) Close() error {
	if atomic.AddInt64(&r.count, -1) != 0 {
		return nil
	}
	return r.inner.Close()
}
