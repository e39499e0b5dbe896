package criteria

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in catalog names.
const (
	CatalogCore     = "core"
	CatalogExtended = "extended"
	// DefaultCatalog is used when no catalog is configured.
	DefaultCatalog = CatalogCore
)

//go:embed catalogs/*.yaml
var catalogFS embed.FS

type catalogFile struct {
	Name     string       `yaml:"name"`
	Criteria []Definition `yaml:"criteria"`
}

// Parse decodes a YAML catalog document into a registry.
func Parse(data []byte) (*Registry, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	reg, err := NewRegistry(cf.Name, cf.Criteria)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %q: %w", cf.Name, err)
	}
	return reg, nil
}

// Load returns the registry for a built-in catalog name, or for a YAML file
// path when name ends in .yaml or .yml.
func Load(name string) (*Registry, error) {
	if name == "" {
		name = DefaultCatalog
	}
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		data, err = os.ReadFile(name)
	} else {
		data, err = catalogFS.ReadFile("catalogs/" + name + ".yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %q: %w", name, err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	slog.Debug("criteria.Load: catalog loaded", "catalog", name, "criteria", len(reg.order))
	return reg, nil
}

// MustLoad is like Load but panics on error. Intended for built-in catalogs in tests and init.
func MustLoad(name string) *Registry {
	reg, err := Load(name)
	if err != nil {
		panic(err)
	}
	return reg
}

// BuiltinCatalogs lists the embedded catalog names.
func BuiltinCatalogs() []string {
	entries, err := catalogFS.ReadDir("catalogs")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}
