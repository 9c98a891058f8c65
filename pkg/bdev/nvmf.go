package bdev

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

// NvmfTransport is the seam between the nvmf-initiator bdev factory and the
// actual NVMe-oF wire transport, which is an external collaborator per
// scope (§1: "the underlying NVMe-oF transport implementation"). A
// transport is installed with RegisterNvmfTransport, the same way a
// database/sql driver registers itself with the sql package; nothing in
// this module registers one, so opening an nvmf:// URI fails with NotFound
// until a transport is registered.
type NvmfTransport interface {
	Connect(ctx context.Context, host, port, nqn, hostNqn string) (Handle, error)
}

var (
	transportMu sync.RWMutex
	transport   NvmfTransport
)

// RegisterNvmfTransport installs the process-wide NVMe-oF initiator
// transport. Last registration wins; production wiring registers exactly
// once at startup.
func RegisterNvmfTransport(t NvmfTransport) {
	transportMu.Lock()
	defer transportMu.Unlock()
	transport = t
}

func init() {
	Register(nvmfDriver{})
}

type nvmfDriver struct{}

func (nvmfDriver) Scheme() string { return "nvmf" }

func (nvmfDriver) Open(ctx context.Context, uri ParsedURI, readWrite, exclusive bool) (Handle, error) {
	host, port, nqn, err := parseNvmfHost(uri)
	if err != nil {
		return nil, err
	}
	hostNqn := uri.QueryString("hostnqn", "")

	transportMu.RLock()
	t := transport
	transportMu.RUnlock()
	if t == nil {
		return nil, ioerr.New(ioerr.NotFound, "no nvmf transport registered")
	}
	return t.Connect(ctx, host, port, nqn, hostNqn)
}

func parseNvmfHost(uri ParsedURI) (host, port, nqn string, err error) {
	h := uri.Host
	idx := strings.LastIndex(h, ":")
	if idx < 0 {
		return "", "", "", ioerr.New(ioerr.InvalidURI, "nvmf uri requires host:port")
	}
	host = h[:idx]
	port = h[idx+1:]
	if _, convErr := strconv.Atoi(port); convErr != nil {
		return "", "", "", ioerr.New(ioerr.InvalidURI, "nvmf uri has non-numeric port")
	}
	nqn = trimLeadingSlash(uri.Path)
	if nqn == "" {
		return "", "", "", ioerr.New(ioerr.InvalidURI, "nvmf uri requires an nqn path")
	}
	return host, port, nqn, nil
}
