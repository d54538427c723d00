// Package mining implements the mining dispatcher: given a coinbase
// address, it polls every eligible slave for economic information and
// picks between producing a root block or a shard's minor block by the
// coinbase-over-difficulty eco ratio, reproducing the selection rule (and
// its reservoir tie-break bug-smell) from
// quarkchain/cluster/master.py's getNextBlockToMine literally.
package mining
