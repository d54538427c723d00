package config

import (
	"os"
	"strconv"
)

// Env holds the Master binary's CLI flag defaults. Flags always win when
// set explicitly; Env only supplies what a flag falls back to.
type Env struct {
	ServerPort        int
	EnableLocalServer bool
	LocalPort         int
	SeedHost          string
	SeedPort          int
	NodePort          int
	ClusterConfig     string
	InMemoryDB        bool
	DBPath            string
	LogLevel          string
}

// DefaultEnv returns the built-in defaults, overridable by environment
// variables of the same name as the corresponding flag, uppercased with a
// QM_ prefix (e.g. QM_SERVER_PORT).
func DefaultEnv() Env {
	return Env{
		ServerPort:        getenvInt("QM_SERVER_PORT", 38291),
		EnableLocalServer: getenvBool("QM_ENABLE_LOCAL_SERVER", true),
		LocalPort:         getenvInt("QM_LOCAL_PORT", 38391),
		SeedHost:          getenv("QM_SEED_HOST", ""),
		SeedPort:          getenvInt("QM_SEED_PORT", 38291),
		NodePort:          getenvInt("QM_NODE_PORT", 38491),
		ClusterConfig:     getenv("QM_CLUSTER_CONFIG", "cluster_config.json"),
		InMemoryDB:        getenvBool("QM_IN_MEMORY_DB", false),
		DBPath:            getenv("QM_DB_PATH", "./db"),
		LogLevel:          getenv("QM_LOG_LEVEL", "info"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
