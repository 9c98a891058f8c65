// Package types holds the data model shared across the pool, nexus, rebuild
// and share packages: the wire-free Go structs that get persisted, mirrored
// and copied by the rest of the data-plane.
package types

import (
	"time"
)

// Pool is a local content-addressable volume store on top of one raw base
// block device.
type Pool struct {
	Name             string
	UUID             string
	BaseDeviceName   string
	ClusterSizeBytes uint64
	TotalClusters    uint64
	FreeClusters     uint64
}

// UsedBytes returns the bytes currently allocated to lvols in the pool.
func (p *Pool) UsedBytes() uint64 {
	return (p.TotalClusters - p.FreeClusters) * p.ClusterSizeBytes
}

// CapacityBytes returns the pool's total addressable capacity.
func (p *Pool) CapacityBytes() uint64 {
	return p.TotalClusters * p.ClusterSizeBytes
}

// Lvol is a logical volume carved out of a Pool.
type Lvol struct {
	Name           string
	UUID           string
	PoolRef        string
	SizeBytes      uint64
	Thin           bool
	AllocatedBytes uint64
	SharedURI      string // empty when not shared
	AllowedHosts   map[string]struct{}
	IsSnapshot     bool
	SnapshotOf     string // empty when not a snapshot
}

// LvolUsage is the snapshot returned by Lvol.Usage.
type LvolUsage struct {
	Capacity      uint64
	Allocated     uint64
	ClusterSize   uint64
	NumClusters   uint64
	NumAllocated  uint64
}

// NexusState is the top-level lifecycle state of a Nexus.
type NexusState string

const (
	NexusInit          NexusState = "init"
	NexusOpen          NexusState = "open"
	NexusReconfiguring NexusState = "reconfiguring"
	NexusClosed        NexusState = "closed"
)

// NexusPauseState tracks administrative quiesce of a Nexus.
type NexusPauseState string

const (
	PauseUnpaused  NexusPauseState = "unpaused"
	PausePausing   NexusPauseState = "pausing"
	PausePaused    NexusPauseState = "paused"
	PauseUnpausing NexusPauseState = "unpausing"
)

// ChildState is the per-child lifecycle state.
type ChildState string

const (
	ChildInit    ChildState = "init"
	ChildOpen    ChildState = "open"
	ChildFaulted ChildState = "faulted"
	ChildClosed  ChildState = "closed"
)

// FaultReason records why a child transitioned to Faulted.
type FaultReason string

const (
	FaultNone        FaultReason = ""
	FaultCannotOpen  FaultReason = "cannot_open"
	FaultIoError     FaultReason = "io_error"
	FaultOutOfSync   FaultReason = "out_of_sync"
	FaultRPC         FaultReason = "rpc"
	FaultClosed      FaultReason = "closed"
)

// NexusNvmeParams mirrors the per-nexus NVMe controller identity knobs.
type NexusNvmeParams struct {
	MinCntlID  uint16
	MaxCntlID  uint16
	ResvKey    uint64
	PreemptKey uint64 // zero means unset
}

// DefaultNexusNvmeParams returns the conventional controller ID range.
func DefaultNexusNvmeParams() NexusNvmeParams {
	return NexusNvmeParams{MinCntlID: 1, MaxCntlID: 0xffef}
}

// ShareTarget records how a bdev is currently published.
type ShareTarget struct {
	Protocol string // "nvmf" or "nbd"
	URI      string
	NQN      string
}

// NexusInfoChild is one entry of the persisted NexusInfo record.
type NexusInfoChild struct {
	URI              string `json:"uri"`
	Healthy          bool   `json:"healthy"`
	LastFaultReason  string `json:"reason,omitempty"`
	Generation       uint64 `json:"generation"`
}

// NexusInfo is the persisted record a Nexus writes on every state transition.
type NexusInfo struct {
	NexusUUID string           `json:"nexus_uuid"`
	Children  []NexusInfoChild `json:"children"`
	Shutdown  bool             `json:"shutdown"`
}

// Child is a point-in-time snapshot of one backing bdev of a Nexus.
type Child struct {
	URI          string
	State        ChildState
	Reason       FaultReason
	RebuildJob   string // name of the active rebuild job, empty when none
}

// Nexus is a point-in-time snapshot of a mirroring virtual block device.
type Nexus struct {
	Name       string
	UUID       string
	SizeBytes  uint64
	Children   []Child
	State      NexusState
	PauseState NexusPauseState
	ShareTarget ShareTarget
	NvmeParams NexusNvmeParams
}

// RebuildState is the lifecycle state of a RebuildJob.
type RebuildState string

const (
	RebuildInit      RebuildState = "init"
	RebuildRunning   RebuildState = "running"
	RebuildPaused    RebuildState = "paused"
	RebuildCompleted RebuildState = "completed"
	RebuildStopped   RebuildState = "stopped"
	RebuildFailed    RebuildState = "failed"
)

// Terminal reports whether a RebuildState admits no further transitions.
func (s RebuildState) Terminal() bool {
	return s == RebuildCompleted || s == RebuildStopped || s == RebuildFailed
}

// RebuildStats is the progress snapshot returned by RebuildJob.Stats.
type RebuildStats struct {
	BlocksTotal       uint64
	BlocksTransferred uint64
	BlocksRemaining   uint64
	BlockSize         uint64
	StartTime         time.Time
	EndTime           time.Time // zero value means still running
}
