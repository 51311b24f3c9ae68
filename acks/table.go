// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acks

import (
	"slices"
	"sort"
)

// Entry holds the labels a subscriber currently declares.
type Entry struct {
	Group  string  `json:"group,omitempty"`
	Labels []Label `json:"labels"`
}

// Table is the label ownership state shared by every registry backend.
// It is deterministic and not safe for concurrent use.
type Table struct {
	Subscribers map[string]Entry `json:"subscribers"`
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Subscribers: make(map[string]Entry)}
}

// Declare applies req. Labels owned by other subscribers conflict unless both
// sides share a non-empty group or req.Resubscribe transfers ownership.
func (t *Table) Declare(req Request) (Declared, error) {
	if err := req.Validate(); err != nil {
		return Declared{}, err
	}

	transfers := make(map[string][]Label)
	for _, l := range req.Labels {
		for _, owner := range t.owners(l) {
			if owner == req.Subscriber {
				continue
			}
			e := t.Subscribers[owner]
			if req.Group != "" && e.Group == req.Group {
				continue
			}
			if !req.Resubscribe {
				return Declared{}, &ConflictError{Label: l, Subscriber: req.Subscriber, Owner: owner}
			}
			transfers[owner] = append(transfers[owner], l)
		}
	}

	for owner, labels := range transfers {
		e := t.Subscribers[owner]
		e.Labels = slices.DeleteFunc(slices.Clone(e.Labels), func(l Label) bool {
			return slices.Contains(labels, l)
		})
		t.Subscribers[owner] = e
	}

	labels := dedup(req.Labels)
	t.Subscribers[req.Subscriber] = Entry{Group: req.Group, Labels: labels}

	return Declared{Labels: slices.Clone(labels), Subscriber: req.Subscriber}, nil
}

// Lookup returns the declarations of l ordered by subscriber.
func (t *Table) Lookup(l Label) []Declaration {
	var ret []Declaration
	for _, owner := range t.owners(l) {
		ret = append(ret, Declaration{Label: l, Subscriber: owner, Group: t.Subscribers[owner].Group})
	}
	return ret
}

// RemoveSubscriber forgets sub entirely. It reports whether anything changed.
func (t *Table) RemoveSubscriber(sub string) bool {
	if _, ok := t.Subscribers[sub]; !ok {
		return false
	}
	delete(t.Subscribers, sub)
	return true
}

// RemoveDeclaration drops the labels of sub but keeps it registered.
func (t *Table) RemoveDeclaration(sub string) bool {
	e, ok := t.Subscribers[sub]
	if !ok || len(e.Labels) == 0 {
		return false
	}
	e.Labels = nil
	t.Subscribers[sub] = e
	return true
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := NewTable()
	for sub, e := range t.Subscribers {
		c.Subscribers[sub] = Entry{Group: e.Group, Labels: slices.Clone(e.Labels)}
	}
	return c
}

// Snapshot returns an immutable label to owners view.
func (t *Table) Snapshot(revision uint64) Snapshot {
	owners := make(map[Label][]Declaration)
	for sub, e := range t.Subscribers {
		for _, l := range e.Labels {
			owners[l] = append(owners[l], Declaration{Label: l, Subscriber: sub, Group: e.Group})
		}
	}
	for l := range owners {
		sort.Slice(owners[l], func(i, j int) bool {
			return owners[l][i].Subscriber < owners[l][j].Subscriber
		})
	}
	return Snapshot{Revision: revision, owners: owners}
}

func (t *Table) owners(l Label) []string {
	var ret []string
	for sub, e := range t.Subscribers {
		if slices.Contains(e.Labels, l) {
			ret = append(ret, sub)
		}
	}
	sort.Strings(ret)
	return ret
}

func dedup(labels []Label) []Label {
	ret := make([]Label, 0, len(labels))
	for _, l := range labels {
		if !slices.Contains(ret, l) {
			ret = append(ret, l)
		}
	}
	return ret
}

// Snapshot is a read-only copy of the label ownership mapping.
type Snapshot struct {
	Revision uint64
	owners   map[Label][]Declaration
}

// Lookup returns the declarations of l.
func (s Snapshot) Lookup(l Label) []Declaration {
	return slices.Clone(s.owners[l])
}

// Labels returns every declared label in lexical order.
func (s Snapshot) Labels() []Label {
	ret := make([]Label, 0, len(s.owners))
	for l := range s.owners {
		ret = append(ret, l)
	}
	slices.Sort(ret)
	return ret
}

// Len returns the number of declared labels.
func (s Snapshot) Len() int {
	return len(s.owners)
}
