// Package registry implements the Cluster Registry component: the set of
// live slave links plus the branch-to-slaves index built once during
// bring-up and never mutated afterward.
package registry
