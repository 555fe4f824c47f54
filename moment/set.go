package moment

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/types"
)

// metaroot is the adjacency key of the synthetic parent of every root.
const metaroot = ""

// Obj is one entry of a Set. Its identity survives a redefinition; only the
// definition payload is swapped.
type Obj struct {
	def    Definition
	parent string // adjacency key of the parent, metaroot for roots
	linked bool   // false while detached by DropParent
}

// Def returns the payload.
func (o *Obj) Def() Definition { return o.def }

// Moment returns the common part of the payload.
func (o *Obj) Moment() *Def { return o.def.Moment() }

// Name is shorthand for o.Moment().Name.
func (o *Obj) Name() string { return o.def.Moment().Name }

// Swap replaces the payload in place and returns the old one. The new
// payload must carry the same name.
func (o *Obj) Swap(def Definition) Definition {
	old := o.def
	o.def = def
	return old
}

// Set indexes the moments of one domain by name and keeps the parent/child
// adjacency. It is not synchronized; callers hold the domain job lock.
type Set struct {
	objs     map[string]*Obj
	children map[string][]string
	current  *Obj
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{
		objs:     make(map[string]*Obj),
		children: make(map[string][]string),
	}
}

// Len returns the number of moments.
func (s *Set) Len() int { return len(s.objs) }

// Assign inserts def and links it under its parent, or under the metaroot
// when the parent is unknown.
func (s *Set) Assign(def Definition) (*Obj, error) {
	name := def.Moment().Name
	if name == "" {
		return nil, types.Errorf(types.CodeInvalidArgument, "moment has no name")
	}
	if _, ok := s.objs[name]; ok {
		return nil, types.Errorf(types.CodeAlreadyExists, "domain moment %s already exists", name)
	}
	o := &Obj{def: def}
	s.objs[name] = o
	s.LinkParent(o)
	return o, nil
}

// FindByName returns the moment called name, or nil.
func (s *Set) FindByName(name string) *Obj {
	if name == "" {
		return nil
	}
	return s.objs[name]
}

// Current returns the current moment, or nil.
func (s *Set) Current() *Obj { return s.current }

// CurrentName returns the current moment's name, or "".
func (s *Set) CurrentName() string {
	if s.current == nil {
		return ""
	}
	return s.current.Name()
}

// SetCurrent moves the current pointer; nil clears it.
func (s *Set) SetCurrent(o *Obj) { s.current = o }

// IsCurrent reports whether o is the current moment.
func (s *Set) IsCurrent(o *Obj) bool { return o != nil && s.current == o }

// Parent returns o's parent, or nil for roots and detached moments.
func (s *Set) Parent(o *Obj) *Obj {
	if o == nil || !o.linked || o.parent == metaroot {
		return nil
	}
	return s.objs[o.parent]
}

// NumChildren returns the number of direct children of o (roots when o is nil).
func (s *Set) NumChildren(o *Obj) int { return len(s.children[key(o)]) }

// Children yields the direct children of o, or the roots when o is nil.
// Each call starts a fresh traversal.
func (s *Set) Children(o *Obj) iter.Seq[*Obj] {
	return func(yield func(*Obj) bool) {
		for _, name := range slices.Clone(s.children[key(o)]) {
			child := s.objs[name]
			if child == nil {
				continue
			}
			if !yield(child) {
				return
			}
		}
	}
}

// Descendants yields every moment below o in depth-first pre-order, or the
// whole set when o is nil.
func (s *Set) Descendants(o *Obj) iter.Seq[*Obj] {
	return func(yield func(*Obj) bool) {
		s.walk(key(o), yield)
	}
}

func (s *Set) walk(k string, yield func(*Obj) bool) bool {
	for child := range s.Children(s.objs[k]) {
		if !yield(child) {
			return false
		}
		if !s.walk(child.Name(), yield) {
			return false
		}
	}
	return true
}

// LinkParent attaches a detached moment under the parent named by its
// definition, or under the metaroot when that parent does not exist.
func (s *Set) LinkParent(o *Obj) {
	if o.linked {
		s.DropParent(o)
	}
	parent := metaroot
	if p := o.Moment().Parent; p != "" && s.objs[p] != nil && p != o.Name() {
		parent = p
	}
	s.link(o, parent)
}

// DropParent detaches o from its parent. Its own children stay attached.
func (s *Set) DropParent(o *Obj) {
	if !o.linked {
		return
	}
	k := o.parent
	s.children[k] = slices.DeleteFunc(s.children[k], func(n string) bool { return n == o.Name() })
	if len(s.children[k]) == 0 {
		delete(s.children, k)
	}
	o.parent, o.linked = metaroot, false
}

// SetParent re-parents o under parent (the metaroot when nil) and records
// the new parent name in o's definition.
func (s *Set) SetParent(o, parent *Obj) {
	s.DropParent(o)
	o.Moment().Parent = key(parent)
	s.link(o, key(parent))
}

// MoveChildren re-parents every child of from to to (the metaroot when nil).
func (s *Set) MoveChildren(from, to *Obj) {
	for child := range s.Children(from) {
		s.SetParent(child, to)
	}
}

// Remove deletes o. With reparent its children move to o's parent;
// otherwise the whole subtree goes. It returns the removed names, o last.
func (s *Set) Remove(o *Obj, reparent bool) []string {
	var removed []string
	if reparent {
		s.MoveChildren(o, s.Parent(o))
	} else {
		subtree := slices.Collect(s.Descendants(o))
		slices.Reverse(subtree)
		for _, d := range subtree {
			s.drop(d)
			removed = append(removed, d.Name())
		}
	}
	s.drop(o)
	return append(removed, o.Name())
}

// RemoveAll empties the set.
func (s *Set) RemoveAll() {
	clear(s.objs)
	clear(s.children)
	s.current = nil
}

// UpdateRelations rebuilds the adjacency from the parent names alone. A
// moment whose parent is missing, or that sits on a parent cycle, is
// attached to the metaroot. The pass is idempotent; the error reports the
// inconsistencies that were repaired.
func (s *Set) UpdateRelations(ctx context.Context) error {
	logger := log.WithFunc("moment.UpdateRelations")
	clear(s.children)
	for _, o := range s.objs {
		o.linked = false
	}

	var broken []string
	for _, name := range s.sortedNames() {
		o := s.objs[name]
		parent := o.Moment().Parent
		switch {
		case parent == "":
		case s.objs[parent] == nil:
			logger.Warnf(ctx, "moment %s lacks parent", name)
			broken = append(broken, name)
			parent = metaroot
		case s.onCycle(o):
			logger.Warnf(ctx, "moment %s in circular chain", name)
			broken = append(broken, name)
			parent = metaroot
		}
		s.link(o, parent)
	}
	if len(broken) > 0 {
		return types.Errorf(types.CodeInternal, "inconsistent moment relations: %s", strings.Join(broken, ", "))
	}
	return nil
}

// onCycle reports whether following parent names from o leads back to o.
func (s *Set) onCycle(o *Obj) bool {
	seen := make(map[string]struct{}, len(s.objs))
	for cur := s.objs[o.Moment().Parent]; cur != nil; cur = s.objs[cur.Moment().Parent] {
		if cur == o {
			return true
		}
		if _, ok := seen[cur.Name()]; ok {
			return false
		}
		seen[cur.Name()] = struct{}{}
	}
	return false
}

// Names lists moment names. With from == nil the whole set is listed
// (only roots with ListRoots); otherwise the children of from (the whole
// subtree with ListDescendants). Leaf filters apply on top.
func (s *Set) Names(from *Obj, filter Filter) []string {
	var seq iter.Seq[*Obj]
	switch {
	case from == nil && filter&ListRoots != 0:
		seq = s.Children(nil)
	case from == nil, filter&ListDescendants != 0:
		seq = s.Descendants(from)
	default:
		seq = s.Children(from)
	}
	leaves := filter & (ListLeaves | ListNoLeaves)
	var names []string
	for o := range seq {
		switch leaves {
		case ListLeaves:
			if s.NumChildren(o) > 0 {
				continue
			}
		case ListNoLeaves:
			if s.NumChildren(o) == 0 {
				continue
			}
		}
		names = append(names, o.Name())
	}
	return names
}

func (s *Set) link(o *Obj, parent string) {
	s.children[parent] = append(s.children[parent], o.Name())
	o.parent, o.linked = parent, true
}

func (s *Set) drop(o *Obj) {
	s.DropParent(o)
	delete(s.children, o.Name())
	delete(s.objs, o.Name())
	if s.current == o {
		s.current = nil
	}
}

func (s *Set) sortedNames() []string {
	names := make([]string, 0, len(s.objs))
	for name := range s.objs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func key(o *Obj) string {
	if o == nil {
		return metaroot
	}
	return o.Name()
}
