package policy

import (
	"bytes"
	"encoding/json"
	"reflect"
	"slices"
	"sort"

	"rollcall.io/internal/apperr"
)

// Narrow re-checks an allowed update against the field constraints of
// resourceType. A denial is returned unchanged. On allow, NarrowedFields is
// the set of proposed keys whose value differs from the current one (a key
// absent from current counts as changed).
func Narrow(d Decision, t *Table, resourceType string, current, proposed map[string]any) Decision {
	if !d.Allowed() {
		return d
	}
	rp, ok := t.Resource(resourceType)
	if !ok {
		return deny(apperr.PolicyNotFound, d.Actor)
	}

	changed := ChangedKeys(current, proposed)

	var immutable []string
	for _, k := range changed {
		if rp.IsImmutable(k) {
			immutable = append(immutable, k)
		}
	}
	if len(immutable) > 0 {
		out := deny(apperr.ImmutableFieldViolation, d.Actor)
		out.Fields = immutable
		return out
	}

	var notAllowed []string
	for _, r := range rp.Restricted {
		if !r.appliesTo(d.Actor) {
			continue
		}
		for _, k := range changed {
			if _, ok := r.allow[k]; !ok {
				notAllowed = append(notAllowed, k)
			}
		}
	}
	if len(notAllowed) > 0 {
		out := deny(apperr.FieldNotAllowed, d.Actor)
		out.Fields = dedupeSorted(notAllowed)
		return out
	}

	return Decision{
		Outcome:        Allow,
		Reason:         ReasonFieldsNarrowed,
		Actor:          d.Actor,
		NarrowedFields: changed,
	}
}

// ChangedKeys returns, sorted, the keys of proposed whose value is absent
// from or different to current. Values are compared by their JSON encoding,
// so storage-typed values such as int64(7) equal a decoded float64(7).
func ChangedKeys(current, proposed map[string]any) []string {
	out := make([]string, 0, len(proposed))
	for k, v := range proposed {
		cur, ok := current[k]
		if ok && sameValue(cur, v) {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func dedupeSorted(values []string) []string {
	slices.Sort(values)
	return slices.Compact(values)
}
