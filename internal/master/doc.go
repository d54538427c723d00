// Package master implements the Master orchestrator: the bring-up sequence
// that dials every configured slave and forms the intra-cluster mesh, the
// readiness and shutdown futures callers synchronize on, and the client- and
// peer-facing fan-out operations (get_account_data, add_transaction,
// add_raw_minor_block, get_stats, the cluster-peer-connection lifecycle)
// that route to the right slave or slaves via the registry.
package master
