// Component for caching arbitrary data (as JSON strings) with per-entry TTLs and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// This is used by sync workers to cache things like vulnerability lookups and
// download counts, improving latency and reducing load on third-party APIs.
// The cache is injected into components rather than held as a process-wide
// singleton, so tests can substitute a deterministic clock.
package cachestore
