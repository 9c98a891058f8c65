package bdev

import (
	"context"
	"sync"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

// LoopbackResolver opens a local lvol by name or uuid as a bdev handle.
// cmd/ionexus registers the pool registry's ResolveLoopback here at startup
// so that `loopback:///<lvol>`
// URIs let a Nexus mirror against a replica living in the same process
// without going through NVMe-oF.
type LoopbackResolver func(ctx context.Context, nameOrUUID string) (Handle, error)

var (
	loopbackMu sync.RWMutex
	loopback   LoopbackResolver
)

// RegisterLoopbackResolver installs the process-wide loopback resolver.
func RegisterLoopbackResolver(r LoopbackResolver) {
	loopbackMu.Lock()
	defer loopbackMu.Unlock()
	loopback = r
}

func init() {
	Register(loopbackDriver{})
}

type loopbackDriver struct{}

func (loopbackDriver) Scheme() string { return "loopback" }

func (loopbackDriver) Open(ctx context.Context, uri ParsedURI, readWrite, exclusive bool) (Handle, error) {
	name := trimLeadingSlash(uri.Path)
	if name == "" {
		name = uri.Host
	}
	loopbackMu.RLock()
	r := loopback
	loopbackMu.RUnlock()
	if r == nil {
		return nil, ioerr.New(ioerr.NotFound, "no loopback resolver registered")
	}
	return r(ctx, name)
}
