package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// Catalog is the declarative set of forms and handler groups a deployment serves.
type Catalog struct {
	Forms  []*contracts.Form         `yaml:"forms"`
	Groups []*contracts.HandlerGroup `yaml:"handler_groups"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every form and group plus the references between them.
// An invalid catalog never reaches the running system.
func (c *Catalog) Validate() error {
	groups := make(map[string]*contracts.HandlerGroup, len(c.Groups))
	for _, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		key := g.TenantID + "/" + g.ID
		if groups[key] != nil {
			return fmt.Errorf("catalog: duplicate handler group %s", key)
		}
		groups[key] = g
	}
	forms := make(map[string]bool, len(c.Forms))
	for _, f := range c.Forms {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if forms[f.ID] {
			return fmt.Errorf("catalog: duplicate form id %s", f.ID)
		}
		forms[f.ID] = true
		if _, err := semver.NewVersion(f.Version); err != nil {
			return fmt.Errorf("catalog: form %s: invalid version %q: %w", f.ID, f.Version, err)
		}
		if f.HandlerGroupID != "" && groups[f.TenantID+"/"+f.HandlerGroupID] == nil {
			return fmt.Errorf("catalog: form %s references unknown handler group %s", f.ID, f.HandlerGroupID)
		}
		if f.Flow.AgentGuided() && f.HandlerGroupID == "" {
			return fmt.Errorf("catalog: form %s: flow %s needs a handler group", f.ID, f.Flow)
		}
	}
	return nil
}

// Group returns the group with tenant and id.
func (c *Catalog) Group(tenantID, id string) *contracts.HandlerGroup {
	for _, g := range c.Groups {
		if g.TenantID == tenantID && g.ID == id {
			return g
		}
	}
	return nil
}
