// Package metrics registers the Master's prometheus collectors: connected
// slave count, root-block queue depth, and mining dispatch outcomes. It is
// incidental observability the orchestrator updates as it works, not a
// metrics server — exposing the registry over HTTP is left to the caller.
package metrics
