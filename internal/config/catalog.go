package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Catalog maps template names to local .blend files.
//
// The file format is a single table:
//
//	[templates]
//	ai_cpu_activation = "/workspace/templates/ai_cpu_activation_branded.blend"
//	product_spin = "spin.blend"   # relative to the catalog file
type Catalog struct {
	Templates map[string]string `toml:"templates"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{Templates: map[string]string{
		"ai_cpu_activation": "/workspace/templates/ai_cpu_activation_branded.blend",
	}}
}

// LoadCatalog reads a catalog file. An empty path returns DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := toml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(cat.Templates) == 0 {
		return Catalog{}, fmt.Errorf("catalog %s defines no templates", path)
	}

	base := filepath.Dir(path)
	resolved := make(map[string]string, len(cat.Templates))
	for name, p := range cat.Templates {
		name = strings.TrimSpace(name)
		p = strings.TrimSpace(p)
		if name == "" || p == "" {
			return Catalog{}, fmt.Errorf("catalog %s: empty template name or path", path)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		resolved[name] = p
	}
	cat.Templates = resolved
	return cat, nil
}

// Lookup returns the file for a template name.
func (c Catalog) Lookup(name string) (string, bool) {
	p, ok := c.Templates[name]
	return p, ok
}

// Names returns the template names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Templates))
	for n := range c.Templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
