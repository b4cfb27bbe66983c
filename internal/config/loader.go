package config

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	onReloadMu        sync.Mutex
	onReloadCallbacks []func(*Config)
)

// RegisterOnReload registers a callback that runs after config is hot-reloaded.
func RegisterOnReload(fn func(*Config)) {
	onReloadMu.Lock()
	defer onReloadMu.Unlock()
	onReloadCallbacks = append(onReloadCallbacks, fn)
}

func notifyReload(cfg *Config) {
	onReloadMu.Lock()
	cb := make([]func(*Config), len(onReloadCallbacks))
	copy(cb, onReloadCallbacks)
	onReloadMu.Unlock()
	for _, fn := range cb {
		fn(cfg)
	}
}

//go:embed config.example.yaml
var exampleConfigBytes []byte

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyLoadDefaults(cfg)
	return cfg, nil
}

// applyLoadDefaults repairs zero values left by an explicit empty key.
func applyLoadDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.DevServer.Port <= 0 {
		cfg.DevServer.Port = def.DevServer.Port
	}
	if cfg.Agent.Ref == "" {
		cfg.Agent.Ref = def.Agent.Ref
	}
	if cfg.Persist.Attempts <= 0 {
		cfg.Persist.Attempts = def.Persist.Attempts
	}
	if cfg.Persist.BaseDelay <= 0 {
		cfg.Persist.BaseDelay = def.Persist.BaseDelay
	}
	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = def.Sync.Interval
	}
	if cfg.HTTP.Timeout <= 0 {
		cfg.HTTP.Timeout = def.HTTP.Timeout
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	for _, p := range []*string{&cfg.Gateway.Auth.Token, &cfg.Agent.Token, &cfg.Store.Token, &cfg.DevServer.Token} {
		if envVarPattern.MatchString(*p) {
			*p = ""
		}
	}
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// ResolveHome returns the CONVSYNC_HOME directory.
// Priority: CONVSYNC_HOME env > ~/.convsync/
func ResolveHome() string {
	if home := os.Getenv("CONVSYNC_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".convsync"
	}
	return filepath.Join(userHome, ".convsync")
}

// ResolveConfigPath finds the config file.
// Priority: --config flag > CONVSYNC_HOME/config.yaml
func ResolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return filepath.Join(ResolveHome(), "config.yaml")
}

// LoadOrCreate loads path, writing the example config there first when it does not exist.
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := CreateFromExample(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// GenerateToken returns a random hex token (32 bytes = 64 chars) for gateway auth.
func GenerateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("convsync-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// CreateFromExample writes the embedded config.example.yaml to targetPath with the gateway token placeholder replaced by a generated token.
func CreateFromExample(targetPath string) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	content := strings.ReplaceAll(string(exampleConfigBytes), "${CONVSYNC_TOKEN}", GenerateToken())
	if err := os.WriteFile(targetPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
