package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Persist   PersistConfig   `yaml:"persist" json:"persist"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	DevServer DevServerConfig `yaml:"devserver" json:"devserver"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type GatewayConfig struct {
	Port int        `yaml:"port" json:"port"`
	Auth AuthConfig `yaml:"auth" json:"auth"`
}

type AuthConfig struct {
	Token string `yaml:"token" json:"token"`
}

// AgentConfig points at the remote agent service.
type AgentConfig struct {
	BaseURL  string `yaml:"baseURL" json:"baseURL"`
	Ref      string `yaml:"ref" json:"ref"` // agent requested at session acquisition
	Token    string `yaml:"token" json:"token"`
	AITitles bool   `yaml:"aiTitles" json:"aiTitles"` // ask the agent to title new conversations
}

// StoreConfig points at the remote conversation store.
type StoreConfig struct {
	BaseURL string `yaml:"baseURL" json:"baseURL"`
	Token   string `yaml:"token" json:"token"`
}

type PersistConfig struct {
	Attempts  int           `yaml:"attempts" json:"attempts"`
	BaseDelay time.Duration `yaml:"baseDelay" json:"baseDelay"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DevServerConfig configures the in-memory reference services.
type DevServerConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Welcome string `yaml:"welcome" json:"welcome"`
	Token   string `yaml:"token" json:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug | info | warn | error
	Format string `yaml:"format" json:"format"` // text | json
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{Port: 19810},
		Agent: AgentConfig{
			BaseURL: "http://127.0.0.1:19811",
			Ref:     "default",
		},
		Store:     StoreConfig{BaseURL: "http://127.0.0.1:19811"},
		Persist:   PersistConfig{Attempts: 3, BaseDelay: time.Second},
		Sync:      SyncConfig{Interval: 30 * time.Second},
		HTTP:      HTTPConfig{Timeout: 30 * time.Second},
		DevServer: DevServerConfig{Port: 19811},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports settings the serve command cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.BaseURL == "" {
		errs = append(errs, errors.New("agent.baseURL is required"))
	}
	if c.Store.BaseURL == "" {
		errs = append(errs, errors.New("store.baseURL is required"))
	}
	if c.Persist.Attempts < 1 {
		errs = append(errs, fmt.Errorf("persist.attempts must be at least 1, got %d", c.Persist.Attempts))
	}
	if c.Sync.Interval < time.Second {
		errs = append(errs, fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval))
	}
	return errors.Join(errs...)
}
