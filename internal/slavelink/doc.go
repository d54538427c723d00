// Package slavelink implements the Slave Link component: one long-lived
// bidirectional framed connection to a single slave, carrying RPC
// request/response pairs, one-way commands, and slave-originated traffic
// forwarded to remote peers.
//
// A SlaveLink never imports the master package. It calls back into the
// Master through the LinkHandler interface instead, a non-owning
// back-reference pattern: callback functions over a concrete struct
// pointer, avoiding the import cycle a direct dependency would create.
package slavelink
