package policy

import (
	"sync/atomic"

	"rollcall.io/internal/auth"
)

// Engine holds the active policy table. Each decision runs against one
// snapshot, so a concurrent Replace never splits evaluate and narrow across
// two tables.
type Engine struct {
	table atomic.Pointer[Table]
}

// NewEngine returns an engine serving t.
func NewEngine(t *Table) *Engine {
	e := &Engine{}
	e.table.Store(t)
	return e
}

// Table returns the active table.
func (e *Engine) Table() *Table { return e.table.Load() }

// Replace swaps in t and returns the table it replaced. A nil t is ignored.
func (e *Engine) Replace(t *Table) *Table {
	if t == nil {
		return e.table.Load()
	}
	return e.table.Swap(t)
}

// Decide evaluates req against resource and, for an allowed update, narrows
// the proposed fields against the resource's current fields.
func (e *Engine) Decide(principal auth.Principal, resource Resource, req Request) Decision {
	t := e.table.Load()
	d := Evaluate(t, principal, resource, req)
	if req.Kind != OpUpdate {
		return d
	}
	return Narrow(d, t, resource.Type, resource.Fields, req.Fields)
}
