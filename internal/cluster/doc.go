// Package cluster holds the data model shared by every other package in the
// Master coordinator: shard masks, branches, cluster-peer identifiers, and
// the slave roster read from the cluster configuration file.
//
// None of the types here own any I/O. They are value objects passed between
// the slave-link, registry, root-chain, and mining-dispatcher packages.
package cluster
