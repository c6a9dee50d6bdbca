package wakeplan

import "sort"

// IDSet is an eagerly materialised set of row ids.
type IDSet map[uint]struct{}

func NewIDSet(ids ...uint) IDSet {
	s := make(IDSet, len(ids))
	s.Add(ids...)
	return s
}

func (s IDSet) Add(ids ...uint) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s IDSet) Has(id uint) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Len() int { return len(s) }

func (s IDSet) Union(o IDSet) IDSet {
	out := make(IDSet, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

func (s IDSet) Intersect(o IDSet) IDSet {
	out := IDSet{}
	for id := range s {
		if o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s IDSet) Difference(o IDSet) IDSet {
	out := IDSet{}
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s IDSet) Equal(o IDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []uint {
	out := make([]uint, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
