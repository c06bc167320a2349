package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvUserConfigDir = "HLSGET_USER_CONFIG_DIR"
	EnvUserDataDir   = "HLSGET_USER_DATA_DIR"
	EnvNoUserConfig  = "HLSGET_NO_USER_CONFIG"
	EnvNoCache       = "HLSGET_NO_CACHE"
)

const appDirName = "hlsget"

// Env is the immutable process environment resolved once at startup and
// passed explicitly into every component that needs it.
type Env struct {
	ConfigDir    string
	DataDir      string
	NoUserConfig bool
	NoCache      bool
}

// LoadEnv resolves the process environment. getenv is injectable so tests
// don't have to mutate real environment variables.
func LoadEnv(getenv func(string) string) (Env, error) {
	env := Env{
		NoUserConfig: getenv(EnvNoUserConfig) != "",
		NoCache:      getenv(EnvNoCache) != "",
	}

	if dir := strings.TrimSpace(getenv(EnvUserConfigDir)); dir != "" {
		env.ConfigDir = dir
	} else {
		base, err := os.UserConfigDir()
		if err != nil {
			return Env{}, fmt.Errorf("resolve user config directory: %w", err)
		}
		env.ConfigDir = filepath.Join(base, appDirName)
	}

	if dir := strings.TrimSpace(getenv(EnvUserDataDir)); dir != "" {
		env.DataDir = dir
	} else {
		base, err := os.UserCacheDir()
		if err != nil {
			return Env{}, fmt.Errorf("resolve user data directory: %w", err)
		}
		env.DataDir = filepath.Join(base, appDirName)
	}

	return env, nil
}

// ConfigFile is the path of the user configuration file.
func (e Env) ConfigFile() string {
	return filepath.Join(e.ConfigDir, "hlsget.conf")
}

// CacheFile is the path of the URL-to-workdir cache.
func (e Env) CacheFile() string {
	return filepath.Join(e.DataDir, "workdirs.json")
}
