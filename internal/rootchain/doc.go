// Package rootchain implements the Root-Block Update Serializer: a
// single-writer FIFO queue that applies incoming root blocks to the
// root-state collaborator and broadcasts them to every slave in arrival
// order, guaranteeing at-most-one in-flight drain at any instant.
package rootchain
