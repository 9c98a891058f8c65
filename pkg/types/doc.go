// Package types defines the shared data model for pools, logical volumes,
// nexuses, children and rebuild jobs.
//
// These structs cross package boundaries (store, lvs, nexus, rebuild, share)
// unchanged; none of them carry behavior beyond small derived-value helpers
// (Pool.UsedBytes, RebuildState.Terminal). Anything that needs a mutex or a
// background goroutine lives in the owning package instead, keeping this
// package safe to import from anywhere without pulling in concurrency
// machinery.
package types
