// Package config supplies the Master binary's default settings, read from
// the process environment and exposed as flag defaults for the cobra
// command surface in cmd/master.
package config
