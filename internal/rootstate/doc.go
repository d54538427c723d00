// Package rootstate defines the root-state collaborator interface the
// Master validates and extends the root chain through, an in-memory fake
// used by tests, and a storage-backed implementation for production. Full
// consensus proof verification is out of scope; this package only fixes
// the contract the rootchain and mining packages depend on.
package rootstate
