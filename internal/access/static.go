// Package access answers whether a user holds a role, for MANUAL transitions
// that name a required role.
package access

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

type rolesFile struct {
	Users map[string][]string `yaml:"users"`
}

// StaticRoleProvider resolves roles from a YAML file mapping user IDs to
// role names.
type StaticRoleProvider struct {
	path  string
	mu    sync.RWMutex
	users map[string][]string
}

// NewStaticRoleProvider loads the roles file at path.
func NewStaticRoleProvider(path string) (*StaticRoleProvider, error) {
	p := &StaticRoleProvider{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// HasRole implements model.RoleProvider.
func (p *StaticRoleProvider) HasRole(_ context.Context, userID, role string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Contains(p.users[userID], role), nil
}

// Sync reloads the roles file from disk.
func (p *StaticRoleProvider) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("access: reading roles file %s: %w", p.path, err)
	}

	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("access: parsing roles file %s: %w", p.path, err)
	}
	if f.Users == nil {
		f.Users = map[string][]string{}
	}

	p.mu.Lock()
	p.users = f.Users
	p.mu.Unlock()
	return nil
}
