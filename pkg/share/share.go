// Package share implements the NVMe-oF publish/unpublish layer of §4.D: a
// pluggable share.Target plus one in-process simulated NVMe-oF backend,
// since the real transport is an external collaborator per §1 ("assumed to
// expose share(bdev) -> uri, unshare, pause/resume subsystem").
//
// Allowed-host ACL bookkeeping and its wildcard matching are grounded on the
// teacher's pkg/storage.BoltStore.GetTLSCertificatesByHost/matchWildcard,
// adapted from "certificate hosts" to "allowed initiator hosts".
package share

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/flowstor/ionexus/pkg/bdev"
	"github.com/flowstor/ionexus/pkg/ioerr"
	"github.com/flowstor/ionexus/pkg/log"
)

// Default ports per §4.D: a dedicated replica port distinct from the Nexus
// port so both roles can coexist on one node without colliding.
const (
	ReplicaPort = 8420
	NexusPort   = 4421
)

// Props configures a single share_nvmf call.
type Props struct {
	AllowedHosts       map[string]struct{}
	PTPLPath           string // persist-through-power-loss reservation file; empty disables it
	ControllerIDMin    uint16
	ControllerIDMax    uint16
}

// subsystem is the in-memory record of one published bdev.
type subsystem struct {
	bdevName     string
	nqn          string
	port         int
	allowedHosts map[string]struct{}
	paused       bool
	ptplPath     string
}

// Target is the §4.D contract: share/unshare/update-ACL plus subsystem
// pause/resume. Nexus publish/unpublish use share/unshare; nothing in
// pkg/nexus calls the subsystem pause/resume methods.
type Target interface {
	ShareNvmf(ctx context.Context, h bdev.Handle, allowedHosts map[string]struct{}) (string, error)
	Unshare(ctx context.Context, bdevName string) error
	UpdateAllowedHosts(ctx context.Context, bdevName string, allowedHosts map[string]struct{}) error
	SubsystemPause(ctx context.Context, nqn string) error
	SubsystemResume(ctx context.Context, nqn string) error
}

// Simulated is an in-process stand-in for the real NVMe-oF target; it
// tracks subsystem/namespace/ACL state in memory and persists PTPL
// reservation markers to disk when a path is supplied, per §4.D.
type Simulated struct {
	mu    sync.RWMutex
	host  string
	port  int
	subs  map[string]*subsystem // keyed by bdev name
	byNQN map[string]*subsystem
}

// NewSimulated creates a Simulated target advertising the given host and
// default replica port.
func NewSimulated(host string) *Simulated {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Simulated{
		host:  host,
		port:  ReplicaPort,
		subs:  make(map[string]*subsystem),
		byNQN: make(map[string]*subsystem),
	}
}

// WithPort overrides the default replica port (e.g. to NexusPort for a
// nexus-publishing Simulated instance).
func (s *Simulated) WithPort(port int) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
	return s
}

func nqnFor(bdevName string) string {
	return fmt.Sprintf("nqn.2023-01.io.ionexus:%s", bdevName)
}

// ShareNvmf publishes h over NVMe-oF. Idempotent over identical properties
// (§4.D: "share is idempotent over identical properties"); the lvs layer
// already short-circuits on a remembered URI, this defends against callers
// that bypass that cache.
func (s *Simulated) ShareNvmf(ctx context.Context, h bdev.Handle, allowedHosts map[string]struct{}) (string, error) {
	name := h.Name()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[name]; ok {
		if sameHosts(existing.allowedHosts, allowedHosts) {
			return s.uriFor(existing), nil
		}
		return "", ioerr.New(ioerr.AlreadyShared, name)
	}

	sub := &subsystem{
		bdevName:     name,
		nqn:          nqnFor(name),
		port:         s.port,
		allowedHosts: allowedHosts,
	}
	s.subs[name] = sub
	s.byNQN[sub.nqn] = sub
	log.WithComponent("share").Info().Msg("shared " + name + " as " + sub.nqn)
	return s.uriFor(sub), nil
}

// ShareNvmfWithPTPL is the §4.D entry point that additionally records a
// persist-through-power-loss reservation marker to disk.
func (s *Simulated) ShareNvmfWithPTPL(ctx context.Context, h bdev.Handle, props Props) (string, error) {
	uri, err := s.ShareNvmf(ctx, h, props.AllowedHosts)
	if err != nil {
		return "", err
	}
	if props.PTPLPath == "" {
		return uri, nil
	}
	s.mu.Lock()
	sub := s.subs[h.Name()]
	sub.ptplPath = props.PTPLPath
	s.mu.Unlock()
	if err := os.WriteFile(props.PTPLPath, []byte(sub.nqn+"\n"), 0o600); err != nil {
		return "", ioerr.Wrap(ioerr.SubsystemNvmf, "ptpl write", err)
	}
	return uri, nil
}

func (s *Simulated) uriFor(sub *subsystem) string {
	return fmt.Sprintf("nvmf://%s:%d/%s", s.host, sub.port, sub.nqn)
}

// Unshare withdraws a published bdev. Idempotent.
func (s *Simulated) Unshare(ctx context.Context, bdevName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[bdevName]
	if !ok {
		return nil
	}
	delete(s.subs, bdevName)
	delete(s.byNQN, sub.nqn)
	if sub.ptplPath != "" {
		_ = os.Remove(sub.ptplPath)
	}
	log.WithComponent("share").Info().Msg("unshared " + bdevName)
	return nil
}

// UpdateAllowedHosts replaces the ACL for an already-shared bdev.
func (s *Simulated) UpdateAllowedHosts(ctx context.Context, bdevName string, allowedHosts map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[bdevName]
	if !ok {
		return ioerr.New(ioerr.NotShared, bdevName)
	}
	sub.allowedHosts = allowedHosts
	return nil
}

// HostAllowed reports whether host may attach to bdevName's subsystem,
// honoring exact matches and "*.suffix" wildcard entries the way the
// teacher's matchWildcard does for certificate hosts.
func (s *Simulated) HostAllowed(bdevName, host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[bdevName]
	if !ok {
		return false
	}
	if len(sub.allowedHosts) == 0 {
		return true // no ACL configured means open to any initiator
	}
	for pattern := range sub.allowedHosts {
		if pattern == host || matchWildcard(pattern, host) {
			return true
		}
	}
	return false
}

func matchWildcard(pattern, host string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:]
	return strings.HasSuffix(host, suffix)
}

func sameHosts(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for h := range a {
		if _, ok := b[h]; !ok {
			return false
		}
	}
	return true
}

// SubsystemPause marks the subsystem for the given NQN as paused. Nexus
// Pause/Resume do not call it.
func (s *Simulated) SubsystemPause(ctx context.Context, nqn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byNQN[nqn]
	if !ok {
		return ioerr.New(ioerr.NotFound, "nqn "+nqn)
	}
	sub.paused = true
	return nil
}

// SubsystemResume un-quiesces a previously paused subsystem.
func (s *Simulated) SubsystemResume(ctx context.Context, nqn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byNQN[nqn]
	if !ok {
		return ioerr.New(ioerr.NotFound, "nqn "+nqn)
	}
	sub.paused = false
	return nil
}

// URIFor returns the currently published URI for bdevName, or "" if unshared.
func (s *Simulated) URIFor(bdevName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[bdevName]
	if !ok {
		return ""
	}
	return s.uriFor(sub)
}
