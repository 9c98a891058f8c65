package bdev

import (
	"context"
	"sync"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

// pcieDevices is populated by whatever external OS-enumeration layer
// discovers local NVMe controllers (out of scope per §1); this package
// only exposes the lookup-by-bus-address contract the pcie factory needs.
var (
	pcieMu      sync.RWMutex
	pcieDevices = map[string]func() (Handle, error){}
)

// RegisterPCIeDevice makes a local NVMe controller at the given bus:dev.fn
// address openable through `pcie:///<bus:dev.fn>`. open is invoked fresh on
// every Open call so each caller gets its own handle.
func RegisterPCIeDevice(busAddr string, open func() (Handle, error)) {
	pcieMu.Lock()
	defer pcieMu.Unlock()
	pcieDevices[busAddr] = open
}

func init() {
	Register(pcieDriver{})
}

type pcieDriver struct{}

func (pcieDriver) Scheme() string { return "pcie" }

func (pcieDriver) Open(ctx context.Context, uri ParsedURI, readWrite, exclusive bool) (Handle, error) {
	addr := uri.Host
	if addr == "" {
		addr = trimLeadingSlash(uri.Path)
	}
	pcieMu.RLock()
	open, ok := pcieDevices[addr]
	pcieMu.RUnlock()
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "pcie device "+addr+" not registered")
	}
	if exclusive {
		if err := Claim("pcie:"+addr, "pcie:"+addr); err != nil {
			return nil, err
		}
	}
	return open()
}
