// Package metrics provides Prometheus metrics collection and exposition for
// ionexus.
//
// Gauges and histograms are registered at package init and updated either
// inline by the component that owns the value (nexus state transitions,
// rebuild progress) or by the periodic Collector, which walks the nexus,
// pool and rebuild registries on a ticker the way a reconciliation loop
// would. Handler exposes the registry over HTTP for scraping; HealthChecker
// tracks a small independent liveness/readiness view per named component.
package metrics
