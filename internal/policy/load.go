package policy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"rollcall.io/internal/auth"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// ErrInvalidPolicy wraps every structural problem found while loading a table.
var ErrInvalidPolicy = errors.New("policy: invalid table")

type fileTable struct {
	Version   string                  `yaml:"version"`
	Resources map[string]fileResource `yaml:"resources"`
}

type fileResource struct {
	Immutable  []string            `yaml:"immutable"`
	Restricted []fileRestriction   `yaml:"restricted"`
	Operations map[string]fileRule `yaml:"operations"`
}

type fileRestriction struct {
	Actors []string `yaml:"actors"`
	Allow  []string `yaml:"allow"`
}

type fileRule struct {
	MinRole    string          `yaml:"minRole"`
	Owner      bool            `yaml:"owner"`
	StatusGate *fileStatusGate `yaml:"statusGate"`
}

type fileStatusGate struct {
	Open    []string `yaml:"open"`
	MinRole string   `yaml:"minRole"`
}

// Default returns the table compiled into the binary.
func Default() *Table {
	t, err := Parse(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("embedded policy is invalid: %v", err))
	}
	return t
}

// LoadFile reads and compiles the YAML table at path.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse compiles a YAML policy table. Unknown keys are rejected.
func Parse(raw []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var ft fileTable
	if err := dec.Decode(&ft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if len(ft.Resources) == 0 {
		return nil, fmt.Errorf("%w: no resources declared", ErrInvalidPolicy)
	}

	names := make([]string, 0, len(ft.Resources))
	for name := range ft.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	resources := make([]ResourcePolicy, 0, len(names))
	for _, name := range names {
		fr := ft.Resources[name]
		rp := ResourcePolicy{
			Type:      name,
			Immutable: fr.Immutable,
			Rules:     make(map[Operation]Rule, len(fr.Operations)),
		}
		for opName, r := range fr.Operations {
			rule, err := compileRule(name, opName, r)
			if err != nil {
				return nil, err
			}
			rp.Rules[Operation(opName)] = rule
		}
		for _, r := range fr.Restricted {
			restriction := FieldRestriction{Allow: r.Allow}
			for _, a := range r.Actors {
				restriction.Actors = append(restriction.Actors, ActorClass(a))
			}
			rp.Restricted = append(rp.Restricted, restriction)
		}
		resources = append(resources, rp)
	}

	t, err := NewTable(ft.Version, resources)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return t, nil
}

func compileRule(resource, op string, r fileRule) (Rule, error) {
	minRole, err := auth.ParseRole(r.MinRole)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %s.%s: %v", ErrInvalidPolicy, resource, op, err)
	}
	rule := Rule{MinRole: minRole, OwnerOverride: r.Owner}
	if r.StatusGate != nil {
		gateRole, err := auth.ParseRole(r.StatusGate.MinRole)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %s.%s status gate: %v", ErrInvalidPolicy, resource, op, err)
		}
		rule.StatusGate = &StatusGate{Open: r.StatusGate.Open, GateRole: gateRole}
	}
	return rule, nil
}
