package bdev

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/flowstor/ionexus/pkg/ioerr"
)

// fault is one entry of the injected-fault table: "a matching I/O on a
// device that passes the counter threshold returns the programmed error".
type fault struct {
	deviceName string
	op         IOType
	startCount uint64
	endCount   uint64 // 0 means unbounded
	seen       uint64
}

var (
	faultMu sync.Mutex
	faults  []*fault
)

// InjectFault installs a fault from an `inject://<device_name>?op=<read|write>
// &start_cnt=<n>[&end_cnt=<n>]` URI.
func InjectFault(uri string) error {
	parsed, err := Parse(uri)
	if err != nil {
		return ioerr.Wrap(ioerr.InvalidURI, uri, err)
	}
	if parsed.Scheme != "inject" {
		return ioerr.New(ioerr.InvalidURI, "not an inject:// uri")
	}
	deviceName := parsed.Host
	if deviceName == "" {
		deviceName = trimLeadingSlash(parsed.Path)
	}
	opStr := parsed.Query.Get("op")
	var op IOType
	switch opStr {
	case "read":
		op = IOTypeRead
	case "write":
		op = IOTypeWrite
	default:
		return ioerr.New(ioerr.InvalidArgument, "inject op must be read or write")
	}
	start, err := strconv.ParseUint(parsed.Query.Get("start_cnt"), 10, 64)
	if err != nil {
		return ioerr.New(ioerr.InvalidArgument, "inject start_cnt is required")
	}
	end := uint64(0)
	if v := parsed.Query.Get("end_cnt"); v != "" {
		end, _ = strconv.ParseUint(v, 10, 64)
	}

	faultMu.Lock()
	defer faultMu.Unlock()
	faults = append(faults, &fault{deviceName: deviceName, op: op, startCount: start, endCount: end})
	return nil
}

// ListInjectedFaults returns the currently installed faults as inject://
// URIs, for the "injected-fault list" RPC surface.
func ListInjectedFaults() []string {
	faultMu.Lock()
	defer faultMu.Unlock()
	out := make([]string, 0, len(faults))
	for _, f := range faults {
		opStr := "read"
		if f.op == IOTypeWrite {
			opStr = "write"
		}
		out = append(out, fmt.Sprintf("inject://%s?op=%s&start_cnt=%d", f.deviceName, opStr, f.startCount))
	}
	return out
}

// ClearInjectedFaults removes every installed fault; used by tests between
// fault-path scenarios.
func ClearInjectedFaults() {
	faultMu.Lock()
	defer faultMu.Unlock()
	faults = nil
}

// checkFault increments the per-fault counter for (deviceName, op) and
// reports whether this call should fail.
func checkFault(deviceName string, op IOType) error {
	faultMu.Lock()
	defer faultMu.Unlock()
	for _, f := range faults {
		if f.deviceName != deviceName || f.op != op {
			continue
		}
		count := atomic.AddUint64(&f.seen, 1)
		if count < f.startCount {
			continue
		}
		if f.endCount != 0 && count > f.endCount {
			continue
		}
		kind := ioerr.ReadError
		if op == IOTypeWrite {
			kind = ioerr.WriteError
		}
		return ioerr.New(kind, fmt.Sprintf("injected fault on %s", deviceName))
	}
	return nil
}

// Faulty wraps a handle so every Read/Write first consults the injected
// fault table keyed by the handle's own Name(). pkg/nexus wraps each child
// handle with this so fault injection observes the exact device name the
// RPC surface would reference.
func Faulty(h Handle) Handle {
	return &faultyHandle{Handle: h}
}

type faultyHandle struct {
	Handle
}

func (f *faultyHandle) Read(ctx context.Context, off uint64, buf []byte) (int, error) {
	if err := checkFault(f.Name(), IOTypeRead); err != nil {
		return 0, err
	}
	return f.Handle.Read(ctx, off, buf)
}

func (f *faultyHandle) Write(ctx context.Context, off uint64, buf []byte) (int, error) {
	if err := checkFault(f.Name(), IOTypeWrite); err != nil {
		return 0, err
	}
	return f.Handle.Write(ctx, off, buf)
}
