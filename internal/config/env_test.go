package config

import "testing"

func TestDefaultEnvBuiltinDefaults(t *testing.T) {
	env := DefaultEnv()
	if env.ServerPort != 38291 {
		t.Errorf("ServerPort = %d, want 38291", env.ServerPort)
	}
	if !env.EnableLocalServer {
		t.Error("EnableLocalServer = false, want true")
	}
	if env.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", env.LogLevel)
	}
}

func TestDefaultEnvReadsOverrides(t *testing.T) {
	t.Setenv("QM_SERVER_PORT", "9000")
	t.Setenv("QM_ENABLE_LOCAL_SERVER", "false")
	t.Setenv("QM_LOG_LEVEL", "debug")
	t.Setenv("QM_IN_MEMORY_DB", "true")

	env := DefaultEnv()
	if env.ServerPort != 9000 {
		t.Errorf("ServerPort = %d, want 9000", env.ServerPort)
	}
	if env.EnableLocalServer {
		t.Error("EnableLocalServer = true, want false")
	}
	if env.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", env.LogLevel)
	}
	if !env.InMemoryDB {
		t.Error("InMemoryDB = false, want true")
	}
}

func TestDefaultEnvIgnoresMalformedOverride(t *testing.T) {
	t.Setenv("QM_SERVER_PORT", "not-a-number")
	env := DefaultEnv()
	if env.ServerPort != 38291 {
		t.Errorf("ServerPort = %d, want fallback 38291 on malformed override", env.ServerPort)
	}
}
