// Package catalog holds the static machine configuration: platform surfaces,
// allowed materials, material aliases and material groups.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/segment"
)

// Machine describes one LPBF machine type.
type Machine struct {
	PlatformSurfaceCM2 float64  `yaml:"platform_surface_cm2"`
	Materials          []string `yaml:"materials"`
}

// Catalog is the machine/material configuration consumed by the planner.
type Catalog struct {
	Machines map[string]Machine  `yaml:"machines"`
	Aliases  map[string]string   `yaml:"aliases"`
	Groups   map[string][]string `yaml:"groups"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return &Catalog{
		Machines: map[string]Machine{
			"Xline":  {PlatformSurfaceCM2: 3200, Materials: []string{"AlSi10Mg"}},
			"EOS":    {PlatformSurfaceCM2: 625, Materials: []string{"AlSi10Mg", "IN718", "IN625"}},
			"M2_alt": {PlatformSurfaceCM2: 625, Materials: []string{"IN718", "IN625", "1.4404"}},
			"M2_neu": {PlatformSurfaceCM2: 625, Materials: []string{"AlSi10Mg", "IN718", "IN625", "1.4404"}},
		},
		Aliases: map[string]string{
			"AlSi10Mg":        "AlSi10Mg",
			"3.2381":          "AlSi10Mg",
			"Inconel 718":     "IN718",
			"Inconel718":      "IN718",
			"2.4668":          "IN718",
			"Inconel 625":     "IN625",
			"2.4856":          "IN625",
			"316L":            "1.4404",
			"X2CrNiMo17-12-2": "1.4404",
		},
		Groups: map[string][]string{
			"IN718_IN625": {"IN718", "IN625"},
		},
	}
}

// LoadFile reads a YAML catalog. Sections missing from the file keep their
// built-in defaults.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var fromFile Catalog
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	c := Default()
	if len(fromFile.Machines) > 0 {
		c.Machines = fromFile.Machines
	}
	if len(fromFile.Aliases) > 0 {
		c.Aliases = fromFile.Aliases
	}
	if len(fromFile.Groups) > 0 {
		c.Groups = fromFile.Groups
	}

	for name, m := range c.Machines {
		if m.PlatformSurfaceCM2 <= 0 {
			return nil, fmt.Errorf("catalog %s: machine %s needs a positive platform_surface_cm2", path, name)
		}
	}
	return c, nil
}

// Resolver builds the segment resolver for this catalog's alias and group rules.
func (c *Catalog) Resolver() *segment.Resolver {
	return segment.NewResolver(c.Aliases, c.Groups)
}

// Machine returns the named machine.
func (c *Catalog) Machine(name string) (Machine, error) {
	m, ok := c.Machines[name]
	if !ok {
		return Machine{}, apperr.Validation("unknown machine %q, allowed: %v", name, c.MachineNames())
	}
	return m, nil
}

// MachineNames returns the configured machines in sorted order.
func (c *Catalog) MachineNames() []string {
	names := make([]string, 0, len(c.Machines))
	for name := range c.Machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that material (any alias spelling) may be built on machine.
func (c *Catalog) Validate(r *segment.Resolver, machine, material string) error {
	m, err := c.Machine(machine)
	if err != nil {
		return err
	}
	canonical := r.Canonical(material)
	for _, allowed := range m.Materials {
		if allowed == canonical {
			return nil
		}
	}
	return apperr.Validation("material %q not available for %s, allowed: %v", material, machine, m.Materials)
}

// Segments returns every segment key reachable from the allowed machine/material
// pairs, sorted.
func (c *Catalog) Segments(r *segment.Resolver) []segment.Key {
	seen := make(map[segment.Key]bool)
	var keys []segment.Key
	for name, m := range c.Machines {
		for _, material := range m.Materials {
			k := r.Resolve(name, material)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	segment.Sort(keys)
	return keys
}
