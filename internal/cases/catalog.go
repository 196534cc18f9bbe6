package cases

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_cases.yaml
var defaultCatalog []byte

// Scenario is one row of the case source.
type Scenario struct {
	ID              string `yaml:"id" json:"id"`
	Title           string `yaml:"title" json:"title"`
	Description     string `yaml:"description" json:"description"`
	ExaminationHint string `yaml:"examination_hint" json:"examination_hint"`
	Age             int    `yaml:"age" json:"age,omitempty"`
	Gender          string `yaml:"gender" json:"gender,omitempty"`
	Job             string `yaml:"job" json:"job,omitempty"`
}

// Source provides read-only access to scenarios.
type Source interface {
	Scenarios() []Scenario
	Lookup(id string) (Scenario, bool)
}

// Catalog is an in-memory Source keyed by scenario id.
type Catalog struct {
	order []string
	byID  map[string]Scenario
}

type catalogFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadCatalog reads a YAML scenario catalog from path
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read case catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in scenarios
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in case catalog is invalid: %v", err))
	}
	return c
}

// ParseCatalog decodes a YAML scenario catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse case catalog: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("case catalog contains no scenarios")
	}

	c := &Catalog{byID: make(map[string]Scenario, len(f.Scenarios))}
	for i, s := range f.Scenarios {
		if s.ID == "" {
			return nil, fmt.Errorf("scenario %d has no id", i)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", s.ID)
		}
		c.byID[s.ID] = s
		c.order = append(c.order, s.ID)
	}

	return c, nil
}

// Scenarios returns all scenarios in file order
func (c *Catalog) Scenarios() []Scenario {
	out := make([]Scenario, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Lookup returns the scenario with the given id
func (c *Catalog) Lookup(id string) (Scenario, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// IDs returns the sorted scenario ids
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	sort.Strings(ids)
	return ids
}
