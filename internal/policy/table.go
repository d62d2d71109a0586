// Package policy holds the tenant-scoped role policy table, the pure
// evaluator that decides allow/deny for an operation on a resource, and the
// field mutation guard that narrows an allowed update to the fields the
// actor may actually write.
package policy

import (
	"fmt"
	"sort"

	"rollcall.io/internal/auth"
)

// Operation is the kind of access requested.
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the four known kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpRead, OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// IsMutation reports whether op writes to storage.
func (op Operation) IsMutation() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// ActorClass classifies the principal relative to one resource.
type ActorClass string

const (
	// ActorOwner is a non-privileged principal named by the resource's owner id.
	ActorOwner ActorClass = "owner"
	// ActorPrivileged has admin role or the super admin bypass, owner or not.
	ActorPrivileged ActorClass = "privileged"
	// ActorOther is everyone else.
	ActorOther ActorClass = "other"
)

func (c ActorClass) valid() bool {
	return c == ActorOwner || c == ActorPrivileged || c == ActorOther
}

// Table is a compiled, immutable policy table keyed by resource type.
type Table struct {
	Version   string
	resources map[string]*ResourcePolicy
}

// ResourcePolicy is the per-type policy: one rule per operation plus the
// field-level constraints applied to updates.
type ResourcePolicy struct {
	Type       string
	Rules      map[Operation]Rule
	Immutable  []string
	Restricted []FieldRestriction

	immutable map[string]struct{}
}

// Rule is the requirement for one (resource type, operation) pair.
type Rule struct {
	MinRole auth.Role
	// OwnerOverride grants the resource owner access regardless of role.
	OwnerOverride bool
	StatusGate    *StatusGate
}

// StatusGate requires GateRole once the resource's current status is not one
// of Open. An empty status counts as not open.
type StatusGate struct {
	Open     []string
	GateRole auth.Role
}

func (g *StatusGate) isOpen(status string) bool {
	if status == "" {
		return false
	}
	for _, s := range g.Open {
		if s == status {
			return true
		}
	}
	return false
}

// FieldRestriction limits the fields an update may change for the listed
// actor classes.
type FieldRestriction struct {
	Actors []ActorClass
	Allow  []string

	allow map[string]struct{}
}

func (r FieldRestriction) appliesTo(actor ActorClass) bool {
	for _, a := range r.Actors {
		if a == actor {
			return true
		}
	}
	return false
}

// NewTable compiles resource policies into a Table, validating every rule.
func NewTable(version string, resources []ResourcePolicy) (*Table, error) {
	t := &Table{Version: version, resources: make(map[string]*ResourcePolicy, len(resources))}
	for i := range resources {
		rp := resources[i]
		if rp.Type == "" {
			return nil, fmt.Errorf("policy: resource #%d has no type", i)
		}
		if _, dup := t.resources[rp.Type]; dup {
			return nil, fmt.Errorf("policy: resource %q declared twice", rp.Type)
		}
		if len(rp.Rules) == 0 {
			return nil, fmt.Errorf("policy: resource %q declares no operations", rp.Type)
		}
		for op, rule := range rp.Rules {
			if !op.Valid() {
				return nil, fmt.Errorf("policy: resource %q: unknown operation %q", rp.Type, op)
			}
			if !rule.MinRole.Valid() {
				return nil, fmt.Errorf("policy: %s.%s: minRole is required", rp.Type, op)
			}
			if rule.StatusGate != nil {
				if !rule.StatusGate.GateRole.Valid() {
					return nil, fmt.Errorf("policy: %s.%s: status gate role is required", rp.Type, op)
				}
				if len(rule.StatusGate.Open) == 0 {
					return nil, fmt.Errorf("policy: %s.%s: status gate needs at least one open status", rp.Type, op)
				}
			}
		}
		rp.immutable = toSet(rp.Immutable)
		restricted := make([]FieldRestriction, 0, len(rp.Restricted))
		for j, fr := range rp.Restricted {
			if len(fr.Actors) == 0 {
				return nil, fmt.Errorf("policy: %s: restriction #%d names no actors", rp.Type, j)
			}
			for _, a := range fr.Actors {
				if !a.valid() {
					return nil, fmt.Errorf("policy: %s: restriction #%d: unknown actor class %q", rp.Type, j, a)
				}
			}
			for _, f := range fr.Allow {
				if _, ok := rp.immutable[f]; ok {
					return nil, fmt.Errorf("policy: %s: field %q is both immutable and allow-listed", rp.Type, f)
				}
			}
			fr.allow = toSet(fr.Allow)
			restricted = append(restricted, fr)
		}
		rp.Restricted = restricted
		t.resources[rp.Type] = &rp
	}
	return t, nil
}

// Resource returns the policy for resourceType.
func (t *Table) Resource(resourceType string) (*ResourcePolicy, bool) {
	if t == nil {
		return nil, false
	}
	rp, ok := t.resources[resourceType]
	return rp, ok
}

// Rule returns the rule for (resourceType, op).
func (t *Table) Rule(resourceType string, op Operation) (Rule, bool) {
	rp, ok := t.Resource(resourceType)
	if !ok {
		return Rule{}, false
	}
	rule, ok := rp.Rules[op]
	return rule, ok
}

// ResourceTypes lists the declared resource types in sorted order.
func (t *Table) ResourceTypes() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.resources))
	for k := range t.resources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsImmutable reports whether field may never change after creation.
func (rp *ResourcePolicy) IsImmutable(field string) bool {
	_, ok := rp.immutable[field]
	return ok
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
