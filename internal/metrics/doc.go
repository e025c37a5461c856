/*
Package metrics exposes the per-pipe counters spec.md §6 names under the
Fusion management API: events_received, events_processed, errors, and
queue_depth, one label series per pipe_id.

A Collector owns its own prometheus.Registry rather than registering
against prometheus's global default registry, so multiple Fusion instances
in the same process (tests, multi-tenant hosting) don't collide. Whatever
binds "/management/stats" to an HTTP scrape endpoint is outside this
package — spec.md §1 treats the HTTP transport as an external collaborator,
so Collector.Registry() is as far as this package goes.
*/
package metrics
