package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is a file-declared set of app contracts. Contract packs can ship
// as YAML or JSON alongside the contracts registered in code.
type Catalog struct {
	Contracts []*Contract `json:"contracts" yaml:"contracts"`
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data, path)
}

// ParseCatalog parses catalog data. The filename extension selects the
// format; without a recognised extension JSON is tried first, then YAML.
func ParseCatalog(data []byte, filename string) (*Catalog, error) {
	var cat Catalog

	if strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml") {
		if err := yaml.Unmarshal(data, &cat); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	} else if strings.HasSuffix(filename, ".json") {
		if err := json.Unmarshal(data, &cat); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &cat); err != nil {
			if err := yaml.Unmarshal(data, &cat); err != nil {
				return nil, fmt.Errorf("parse catalog: %w", err)
			}
		}
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks every contract in the catalog, collecting all violations
// before failing so the author sees the full list at once.
func (c *Catalog) Validate() error {
	var errs []string

	seen := make(map[string]bool)
	for i, contract := range c.Contracts {
		if contract.ID == "" {
			errs = append(errs, fmt.Sprintf("contract %d: id is required", i))
			continue
		}
		if seen[contract.ID] {
			errs = append(errs, fmt.Sprintf("contract %q: duplicate id", contract.ID))
		}
		seen[contract.ID] = true

		for actionID, action := range contract.Actions {
			for param, typeName := range action.Params {
				if !validParamType(typeName) {
					errs = append(errs, fmt.Sprintf("contract %q: action %q: param %q has unknown type %q",
						contract.ID, actionID, param, typeName))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("catalog validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// RegisterAll registers every contract in the catalog.
func (c *Catalog) RegisterAll(r *Registry) {
	for _, contract := range c.Contracts {
		r.Register(contract)
	}
}

func validParamType(typeName string) bool {
	base := strings.TrimSuffix(typeName, "?")
	switch base {
	case TypeString, TypeNumber, TypeBoolean, TypeUUID, TypeDatetime:
		return true
	}
	return false
}
