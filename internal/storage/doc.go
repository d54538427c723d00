// Package storage defines the key/value Store interface the root chain
// persists its tip height through, plus the in-memory implementation the
// Master binary uses.
//
// There is exactly one consumer: rootstate.PersistentRootState reads and
// writes a single key (the tip height) through Store. The interface stays
// deliberately small — Get/Put only — rather than speculatively growing a
// general-purpose storage layer nothing in this repo needs yet.
//
// MemoryStore is the only implementation. It never survives a process
// restart, which matches the root chain's own contract: the tip always
// starts fresh regardless of the operator's --in_memory_db/--db_path
// choice (see cmd/master), so a durable backend would add nothing here.
package storage
