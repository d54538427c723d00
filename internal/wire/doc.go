// Package wire implements the framed intra-cluster protocol the Master
// speaks to every Slave: one JSON object per line over a persistent
// net.Conn, the same shape Synnergy's shardClient uses for its sharding
// daemon socket (bufio.Reader + json.Decoder for reads, json.Marshal plus a
// trailing newline for writes), generalized here to a full-duplex Conn that
// both issues RPCs and serves them.
package wire
