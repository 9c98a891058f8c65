package bdev

import (
	"context"
	"net/url"
	"sync"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

// ftlBackend is a tiered base+cache bdev: writes land in the cache device
// and are tracked by block offset; reads prefer the cache and fall through
// to the base device for anything not yet cached; Flush propagates every
// cached block down to base and clears the tracking set.
type ftlBackend struct {
	name string
	base Handle
	cache Handle

	mu     sync.Mutex
	cached map[uint64]bool // block index -> present in cache
}

func init() {
	Register(ftlDriver{})
}

type ftlDriver struct{}

func (ftlDriver) Scheme() string { return "ftl" }

func (ftlDriver) Open(ctx context.Context, uri ParsedURI, readWrite, exclusive bool) (Handle, error) {
	name := uri.Host
	if name == "" {
		name = trimLeadingSlash(uri.Path)
	}
	bEnc := uri.Query.Get("bbdev")
	cEnc := uri.Query.Get("cbdev")
	if bEnc == "" || cEnc == "" {
		return nil, ioerr.New(ioerr.InvalidURI, "ftl uri requires bbdev and cbdev")
	}
	bURI, err := url.QueryUnescape(bEnc)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidURI, "ftl bbdev", err)
	}
	cURI, err := url.QueryUnescape(cEnc)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.InvalidURI, "ftl cbdev", err)
	}

	base, err := Open(ctx, bURI, readWrite, exclusive)
	if err != nil {
		return nil, err
	}
	cache, err := Open(ctx, cURI, true, exclusive)
	if err != nil {
		base.Close()
		return nil, err
	}

	return &ftlBackend{
		name:   name,
		base:   base,
		cache:  cache,
		cached: make(map[uint64]bool),
	}, nil
}

func (f *ftlBackend) Name() string { return f.name }

func (f *ftlBackend) blockIndex(off uint64) uint64 {
	return off / uint64(f.base.BlockSize())
}

func (f *ftlBackend) Read(ctx context.Context, off uint64, buf []byte) (int, error) {
	f.mu.Lock()
	idx := f.blockIndex(off)
	inCache := f.cached[idx]
	f.mu.Unlock()

	if inCache {
		return f.cache.Read(ctx, off, buf)
	}
	return f.base.Read(ctx, off, buf)
}

func (f *ftlBackend) Write(ctx context.Context, off uint64, buf []byte) (int, error) {
	n, err := f.cache.Write(ctx, off, buf)
	if err != nil {
		return n, err
	}
	f.mu.Lock()
	f.cached[f.blockIndex(off)] = true
	f.mu.Unlock()
	return n, nil
}

func (f *ftlBackend) Flush(ctx context.Context) error {
	f.mu.Lock()
	dirty := make([]uint64, 0, len(f.cached))
	for idx := range f.cached {
		dirty = append(dirty, idx)
	}
	f.mu.Unlock()

	buf := make([]byte, f.base.BlockSize())
	for _, idx := range dirty {
		off := idx * uint64(f.base.BlockSize())
		if _, err := f.cache.Read(ctx, off, buf); err != nil {
			return err
		}
		if _, err := f.base.Write(ctx, off, buf); err != nil {
			return err
		}
	}
	if err := f.base.Flush(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	for _, idx := range dirty {
		delete(f.cached, idx)
	}
	f.mu.Unlock()
	return nil
}

func (f *ftlBackend) Unmap(ctx context.Context, off, length uint64) error {
	return f.base.Unmap(ctx, off, length)
}

func (f *ftlBackend) Reset(ctx context.Context) error { return f.base.Reset(ctx) }

func (f *ftlBackend) BlockSize() uint32 { return f.base.BlockSize() }

func (f *ftlBackend) NumBlocks() uint64 { return f.base.NumBlocks() }

func (f *ftlBackend) IOTypeSupported(kind IOType) bool {
	return f.base.IOTypeSupported(kind)
}

func (f *ftlBackend) Close() error {
	cacheErr := f.cache.Close()
	baseErr := f.base.Close()
	if baseErr != nil {
		return baseErr
	}
	return cacheErr
}
