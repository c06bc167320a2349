package config

import (
	"path/filepath"
	"testing"
)

func TestLoadEnvOverrides(t *testing.T) {
	vars := map[string]string{
		EnvUserConfigDir: "/tmp/conf",
		EnvUserDataDir:   "/tmp/data",
		EnvNoUserConfig:  "1",
		EnvNoCache:       "yes",
	}
	env, err := LoadEnv(func(k string) string { return vars[k] })
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if env.ConfigDir != "/tmp/conf" {
		t.Fatalf("config dir = %q", env.ConfigDir)
	}
	if env.DataDir != "/tmp/data" {
		t.Fatalf("data dir = %q", env.DataDir)
	}
	if !env.NoUserConfig || !env.NoCache {
		t.Fatalf("expected both disable flags set: %+v", env)
	}
	if env.ConfigFile() != filepath.Join("/tmp/conf", "hlsget.conf") {
		t.Fatalf("config file = %q", env.ConfigFile())
	}
	if env.CacheFile() != filepath.Join("/tmp/data", "workdirs.json") {
		t.Fatalf("cache file = %q", env.CacheFile())
	}
}

func TestLoadEnvDefaultsUnderUserDirs(t *testing.T) {
	env, err := LoadEnv(func(string) string { return "" })
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if filepath.Base(env.ConfigDir) != "hlsget" {
		t.Fatalf("config dir not namespaced: %q", env.ConfigDir)
	}
	if filepath.Base(env.DataDir) != "hlsget" {
		t.Fatalf("data dir not namespaced: %q", env.DataDir)
	}
	if env.NoUserConfig || env.NoCache {
		t.Fatalf("disable flags should default to false: %+v", env)
	}
}
