package nexus

import (
	"context"

	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/types"
)

// Publish shares the nexus over NVMe-oF (or NBD for debugging), idempotent
// over identical protocol and key; rekeying requires an explicit Unpublish
// first (§4.F Publish).
func (n *Nexus) Publish(ctx context.Context, protocol, key string) (string, error) {
	n.shareMu.Lock()
	if n.shareState != nil {
		same := n.shareState.Protocol == protocol && n.shareKey == key
		uri := n.shareState.URI
		n.shareMu.Unlock()
		if same {
			return uri, nil
		}
		return "", ioerr.New(ioerr.AlreadyShared, n.name)
	}
	n.shareMu.Unlock()

	var uri string
	var err error
	switch protocol {
	case "nvmf":
		if n.shareSvc == nil {
			return "", ioerr.New(ioerr.SubsystemNvmf, n.name+": no share target registered")
		}
		uri, err = n.shareSvc.ShareNvmf(ctx, n.asHandle(), nil)
	case "nbd":
		uri = "nbd:///" + n.name
	default:
		return "", ioerr.New(ioerr.InvalidShareProto, protocol)
	}
	if err != nil {
		return "", err
	}

	n.shareMu.Lock()
	n.shareState = &types.ShareTarget{Protocol: protocol, URI: uri}
	n.shareKey = key
	n.shareMu.Unlock()
	return uri, nil
}

// Unpublish withdraws the nexus's NVMe-oF/NBD publication. Idempotent.
func (n *Nexus) Unpublish(ctx context.Context) error {
	n.shareMu.Lock()
	if n.shareState == nil {
		n.shareMu.Unlock()
		return nil
	}
	protocol := n.shareState.Protocol
	n.shareState = nil
	n.shareKey = ""
	n.shareMu.Unlock()

	if protocol == "nvmf" && n.shareSvc != nil {
		return n.shareSvc.Unshare(ctx, n.name)
	}
	return nil
}

// ShareURI returns the nexus's current publish URI, or "" if unpublished.
func (n *Nexus) ShareURI() string {
	n.shareMu.Lock()
	defer n.shareMu.Unlock()
	if n.shareState == nil {
		return ""
	}
	return n.shareState.URI
}
