// Package registry holds the static plugin registry: which authentication
// and communication plugins exist, how to reach and trust them, and which
// combinations a purpose permits. Loaded once at startup, read-only after.
package registry

import (
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-yaml"

	"github.com/verimeet/broker/internal/serviceerr"
)

type Kind string

const (
	KindAuth Kind = "auth"
	KindComm Kind = "comm"
)

// Plugin describes one external plugin service: where to call it and the
// shared secret its attestations are verified against.
type Plugin struct {
	ID        string `yaml:"id"`
	Kind      Kind   `yaml:"-"`
	Name      string `yaml:"name"`
	ImagePath string `yaml:"image_path"`
	BaseURL   string `yaml:"base_url"`
	Secret    string `yaml:"secret"`
}

// Purpose restricts which plugins may serve a flow and names the attributes
// the flow needs verified. The wildcard "*" in an allow list expands to all
// plugins of that kind at load time.
type Purpose struct {
	ID          string   `yaml:"id"`
	Attributes  []string `yaml:"attributes"`
	AllowedAuth []string `yaml:"allowed_auth"`
	AllowedComm []string `yaml:"allowed_comm"`
}

type registryFile struct {
	AuthPlugins []Plugin  `yaml:"auth_plugins"`
	CommPlugins []Plugin  `yaml:"comm_plugins"`
	Purposes    []Purpose `yaml:"purposes"`
}

type Registry struct {
	auth     map[string]Plugin
	comm     map[string]Plugin
	purposes map[string]Purpose
}

// LoadFile reads and validates the registry. Any malformed entry is an
// error here, never at session creation time.
func LoadFile(path string) (*Registry, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file %s: %w", path, err)
	}

	r, err := Load(contents)
	if err != nil {
		return nil, fmt.Errorf("parsing registry file %s: %w", path, err)
	}

	return r, nil
}

func Load(contents []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return nil, fmt.Errorf("unmarshaling registry: %w", err)
	}

	r := &Registry{
		auth:     make(map[string]Plugin, len(file.AuthPlugins)),
		comm:     make(map[string]Plugin, len(file.CommPlugins)),
		purposes: make(map[string]Purpose, len(file.Purposes)),
	}

	if err := indexPlugins(r.auth, file.AuthPlugins, KindAuth); err != nil {
		return nil, err
	}
	if err := indexPlugins(r.comm, file.CommPlugins, KindComm); err != nil {
		return nil, err
	}

	for _, purpose := range file.Purposes {
		if purpose.ID == "" {
			return nil, fmt.Errorf("purpose without an id")
		}
		if _, ok := r.purposes[purpose.ID]; ok {
			return nil, fmt.Errorf("duplicate purpose %s", purpose.ID)
		}

		purpose.AllowedAuth = expandWildcard(purpose.AllowedAuth, r.auth)
		purpose.AllowedComm = expandWildcard(purpose.AllowedComm, r.comm)

		if err := validateRefs(purpose.AllowedAuth, r.auth); err != nil {
			return nil, fmt.Errorf("purpose %s: %w", purpose.ID, err)
		}
		if err := validateRefs(purpose.AllowedComm, r.comm); err != nil {
			return nil, fmt.Errorf("purpose %s: %w", purpose.ID, err)
		}

		r.purposes[purpose.ID] = purpose
	}

	return r, nil
}

func indexPlugins(index map[string]Plugin, plugins []Plugin, kind Kind) error {
	for _, plugin := range plugins {
		if plugin.ID == "" {
			return fmt.Errorf("%s plugin without an id", kind)
		}
		if _, ok := index[plugin.ID]; ok {
			return fmt.Errorf("duplicate %s plugin %s", kind, plugin.ID)
		}
		if plugin.BaseURL == "" {
			return fmt.Errorf("%s plugin %s without a base_url", kind, plugin.ID)
		}
		if plugin.Secret == "" {
			return fmt.Errorf("%s plugin %s without a secret", kind, plugin.ID)
		}

		plugin.Kind = kind
		index[plugin.ID] = plugin
	}

	return nil
}

func expandWildcard(allowed []string, all map[string]Plugin) []string {
	if !slices.Contains(allowed, "*") {
		return allowed
	}

	expanded := make([]string, 0, len(all))
	for id := range all {
		expanded = append(expanded, id)
	}
	slices.Sort(expanded)

	return expanded
}

func validateRefs(allowed []string, known map[string]Plugin) error {
	for _, id := range allowed {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("references unknown plugin %s", id)
		}
	}

	return nil
}

// Purpose resolves a purpose id.
func (r *Registry) Purpose(id string) (Purpose, error) {
	purpose, ok := r.purposes[id]
	if !ok {
		return Purpose{}, serviceerr.ErrUnknownPurpose
	}

	return purpose, nil
}

// AuthPlugin resolves an authentication plugin, restricted to what the
// purpose allows.
func (r *Registry) AuthPlugin(purpose Purpose, id string) (Plugin, error) {
	if !slices.Contains(purpose.AllowedAuth, id) {
		return Plugin{}, serviceerr.ErrUnknownPlugin
	}

	return r.Plugin(KindAuth, id)
}

// CommPlugin resolves a communication plugin, restricted to what the
// purpose allows.
func (r *Registry) CommPlugin(purpose Purpose, id string) (Plugin, error) {
	if !slices.Contains(purpose.AllowedComm, id) {
		return Plugin{}, serviceerr.ErrUnknownPlugin
	}

	return r.Plugin(KindComm, id)
}

// Plugin resolves a plugin by kind and id without a purpose restriction.
func (r *Registry) Plugin(kind Kind, id string) (Plugin, error) {
	index := r.auth
	if kind == KindComm {
		index = r.comm
	}

	plugin, ok := index[id]
	if !ok {
		return Plugin{}, serviceerr.ErrUnknownPlugin
	}

	return plugin, nil
}

// PluginProperties is the subset of a descriptor that is safe to show a
// user choosing between plugins.
type PluginProperties struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ImagePath string `json:"image_path"`
}

type Options struct {
	AuthPlugins []PluginProperties `json:"auth_plugins"`
	CommPlugins []PluginProperties `json:"comm_plugins"`
}

// Options lists the plugins a purpose permits, for choice UIs.
func (r *Registry) Options(purposeID string) (Options, error) {
	purpose, err := r.Purpose(purposeID)
	if err != nil {
		return Options{}, err
	}

	return Options{
		AuthPlugins: properties(purpose.AllowedAuth, r.auth),
		CommPlugins: properties(purpose.AllowedComm, r.comm),
	}, nil
}

func properties(allowed []string, index map[string]Plugin) []PluginProperties {
	props := make([]PluginProperties, 0, len(allowed))
	for _, id := range allowed {
		plugin := index[id]
		props = append(props, PluginProperties{
			ID:        plugin.ID,
			Name:      plugin.Name,
			ImagePath: plugin.ImagePath,
		})
	}

	return props
}
