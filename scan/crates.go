package scan

import (
	"sort"
	"sync/atomic"
)

// CrateSet is an immutable set of crate identifiers.
type CrateSet struct {
	ids map[int]struct{}
}

// NewCrateSet builds a set from the given ids; duplicates collapse.
func NewCrateSet(ids ...int) CrateSet {
	m := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return CrateSet{ids: m}
}

// Has reports membership.
func (c CrateSet) Has(id int) bool {
	_, ok := c.ids[id]
	return ok
}

// Len returns the number of crates.
func (c CrateSet) Len() int {
	return len(c.ids)
}

// Sorted returns the members in ascending order.
func (c CrateSet) Sorted() []int {
	out := make([]int, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// CrateSource supplies the currently configured active crates. It is read
// once per scan, when the scan is created.
type CrateSource interface {
	ActiveCrates() CrateSet
}

// ActiveCrates is a CrateSource that can be swapped at runtime (config reload).
type ActiveCrates struct {
	set atomic.Pointer[CrateSet]
}

// NewActiveCrates returns a source initialised with ids.
func NewActiveCrates(ids ...int) *ActiveCrates {
	a := &ActiveCrates{}
	a.Set(ids...)
	return a
}

// Set replaces the active crate list. Pending scans keep the expected set
// they were created with.
func (a *ActiveCrates) Set(ids ...int) {
	set := NewCrateSet(ids...)
	a.set.Store(&set)
}

// ActiveCrates implements CrateSource.
func (a *ActiveCrates) ActiveCrates() CrateSet {
	if s := a.set.Load(); s != nil {
		return *s
	}
	return CrateSet{}
}
