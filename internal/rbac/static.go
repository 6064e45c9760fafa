package rbac

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// roleEntry is one API key's entry in the static role file.
type roleEntry struct {
	Role          string   `yaml:"role"`
	AllowedAgents []string `yaml:"allowed_agents"`
}

// staticFile is the on-disk shape of the static role map.
type staticFile struct {
	Keys map[string]roleEntry `yaml:"keys"`
}

// StaticRoleMap is a YAML-file-backed RoleMap, the default backend.
// It mirrors the original's hardcoded API_KEY_PERMISSIONS table but
// lets operators maintain it as data rather than code, and supports
// a hot Reload without restarting the broker.
type StaticRoleMap struct {
	mu   sync.RWMutex
	path string
	keys map[string]roleEntry
}

// NewStaticRoleMap loads path and returns a StaticRoleMap, or an
// error if the file cannot be read or parsed.
func NewStaticRoleMap(path string) (*StaticRoleMap, error) {
	m := &StaticRoleMap{path: path}
	if err := m.Reload(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the YAML file from disk.
func (m *StaticRoleMap) Reload(_ context.Context) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read role map %s: %w", m.path, err)
	}

	var parsed staticFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse role map %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.keys = parsed.Keys
	m.mu.Unlock()
	return nil
}

// Allowed implements RoleMap.
func (m *StaticRoleMap) Allowed(_ context.Context, apiKey, agentID string) (bool, error) {
	m.mu.RLock()
	entry, ok := m.keys[apiKey]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	for _, a := range entry.AllowedAgents {
		if a == wildcardAgent || a == agentID {
			return true, nil
		}
	}
	return false, nil
}

// RoleFor implements RoleMap.
func (m *StaticRoleMap) RoleFor(_ context.Context, apiKey string) (string, error) {
	m.mu.RLock()
	entry, ok := m.keys[apiKey]
	m.mu.RUnlock()
	if !ok {
		return "", nil
	}
	return entry.Role, nil
}
