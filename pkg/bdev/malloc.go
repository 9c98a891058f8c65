package bdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

const defaultBlockSize = 512

// mallocBackend is a RAM-backed block device: `malloc:///<name>?size_mb=<n>`.
type mallocBackend struct {
	name      string
	mu        sync.Mutex
	data      []byte
	blockSize uint32
}

func init() {
	Register(mallocDriver{})
}

type mallocDriver struct{}

func (mallocDriver) Scheme() string { return "malloc" }

func (mallocDriver) Open(ctx context.Context, uri ParsedURI, readWrite, exclusive bool) (Handle, error) {
	name := uri.Host
	if name == "" {
		name = trimLeadingSlash(uri.Path)
	}
	if name == "" {
		return nil, ioerr.New(ioerr.InvalidURI, "malloc uri requires a name")
	}
	sizeMB := uri.QueryUint("size_mb", 64)
	blockSize := uint32(uri.QueryUint("blk_size", defaultBlockSize))

	if exclusive {
		if err := Claim(name, "malloc:"+name); err != nil {
			return nil, err
		}
	}

	return &mallocBackend{
		name:      name,
		data:      make([]byte, sizeMB*1024*1024),
		blockSize: blockSize,
	}, nil
}

func trimLeadingSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

func (m *mallocBackend) Name() string { return m.name }

func (m *mallocBackend) Read(ctx context.Context, off uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return 0, ioerr.New(ioerr.ReadError, fmt.Sprintf("read past end of %s", m.name))
	}
	n := copy(buf, m.data[off:])
	return n, nil
}

func (m *mallocBackend) Write(ctx context.Context, off uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return 0, ioerr.New(ioerr.WriteError, fmt.Sprintf("write past end of %s", m.name))
	}
	n := copy(m.data[off:], buf)
	return n, nil
}

func (m *mallocBackend) Flush(ctx context.Context) error { return nil }

func (m *mallocBackend) Unmap(ctx context.Context, off, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+length > uint64(len(m.data)) {
		return ioerr.New(ioerr.InvalidArgument, "unmap out of range")
	}
	zeroBytes(m.data[off : off+length])
	return nil
}

func (m *mallocBackend) Reset(ctx context.Context) error { return nil }

func (m *mallocBackend) BlockSize() uint32 { return m.blockSize }

func (m *mallocBackend) NumBlocks() uint64 { return uint64(len(m.data)) / uint64(m.blockSize) }

func (m *mallocBackend) IOTypeSupported(kind IOType) bool { return true }

func (m *mallocBackend) Close() error {
	Unclaim(m.name)
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
