// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database Database `yaml:"database"`
	ValKey   ValKey   `yaml:"valkey"`
	Broker   Broker   `yaml:"broker"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix"`
}

// Broker configures the flow engine and its collaborators. RegistryFile
// points at the operator-supplied plugin registry; a malformed registry is
// a startup error, never a runtime one.
type Broker struct {
	Storage      string `yaml:"storage" default:"memory"`
	RegistryFile string `yaml:"registryFile" default:"plugins.yaml"`

	// ServerURL is the externally reachable base URL of this broker,
	// used to build the continuation and callback URLs handed to plugins.
	ServerURL string `yaml:"serverURL"`

	SessionTTL        time.Duration `yaml:"sessionTTL" default:"30m"`
	TerminalGrace     time.Duration `yaml:"terminalGrace" default:"5m"`
	PluginCallTimeout time.Duration `yaml:"pluginCallTimeout" default:"5s"`

	InternalSecret commoncfg.SourceRef `yaml:"internalSecret"`

	Housekeeper Housekeeper `yaml:"housekeeper"`
}

type Housekeeper struct {
	TriggerInterval time.Duration `yaml:"triggerInterval" default:"1m"`
}

// Storage backends for the session store.
const (
	StorageMemory   = "memory"
	StorageValkey   = "valkey"
	StoragePostgres = "postgres"
)
