package policy

import (
	"rollcall.io/internal/apperr"
	"rollcall.io/internal/auth"
)

// Outcome is the binary result of a decision.
type Outcome string

const (
	Allow Outcome = "allow"
	Deny  Outcome = "deny"
)

// Allow reasons. Deny reasons are apperr codes.
const (
	ReasonOwnerAccess    apperr.Code = "OWNER_ACCESS"
	ReasonRoleSatisfied  apperr.Code = "ROLE_SATISFIED"
	ReasonFieldsNarrowed apperr.Code = "FIELDS_NARROWED"
)

// Resource is a read-only snapshot of the target as it exists in storage
// before the operation.
type Resource struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	TenantID string         `json:"tenant_id"`
	OwnerID  string         `json:"owner_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Status   string         `json:"status,omitempty"`
}

// Request is the operation being attempted.
type Request struct {
	Kind   Operation      `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Decision is the evaluator's verdict. NarrowedFields is set only by Narrow
// on an allowed update and is always a subset of the proposed field keys.
type Decision struct {
	Outcome        Outcome     `json:"outcome"`
	Reason         apperr.Code `json:"reason"`
	Actor          ActorClass  `json:"actor,omitempty"`
	NarrowedFields []string    `json:"narrowed_fields,omitempty"`
	// Fields names the offending fields of a field-level denial.
	Fields []string `json:"fields,omitempty"`
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// Err returns nil for an allow and the taxonomy error for a deny.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	return &apperr.Error{Code: d.Reason, Fields: d.Fields}
}

func isOwner(principal auth.Principal, resource Resource) bool {
	return resource.OwnerID != "" && resource.OwnerID == principal.ID
}

func deny(reason apperr.Code, actor ActorClass) Decision {
	return Decision{Outcome: Deny, Reason: reason, Actor: actor}
}

// Classify places principal relative to resource. Privilege wins over
// ownership: an admin editing their own record is held to the privileged
// allow-list, not the owner's.
func Classify(principal auth.Principal, resource Resource) ActorClass {
	switch {
	case principal.IsSuperAdmin || principal.Role.AtLeast(auth.RoleAdmin):
		return ActorPrivileged
	case isOwner(principal, resource):
		return ActorOwner
	default:
		return ActorOther
	}
}

// Evaluate decides whether principal may perform req on resource under t.
// It is a pure function of its inputs.
func Evaluate(t *Table, principal auth.Principal, resource Resource, req Request) Decision {
	if principal.Validate() != nil {
		return deny(apperr.Unauthenticated, "")
	}
	actor := Classify(principal, resource)
	if resource.TenantID != principal.TenantID && !principal.IsSuperAdmin {
		return deny(apperr.TenantMismatch, actor)
	}
	rule, ok := t.Rule(resource.Type, req.Kind)
	if !ok {
		return deny(apperr.PolicyNotFound, actor)
	}

	var reason apperr.Code
	switch {
	case rule.OwnerOverride && isOwner(principal, resource):
		reason = ReasonOwnerAccess
	case principal.Role.AtLeast(rule.MinRole):
		reason = ReasonRoleSatisfied
	default:
		return deny(apperr.InsufficientRole, actor)
	}

	if gate := rule.StatusGate; gate != nil && !gate.isOpen(resource.Status) {
		if !principal.Role.AtLeast(gate.GateRole) {
			return deny(apperr.InsufficientRole, actor)
		}
	}
	return Decision{Outcome: Allow, Reason: reason, Actor: actor}
}
