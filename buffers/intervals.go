// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"sort"

	"github.com/google/netstack/tcpip/seqnum"
)

// Range is a half-open span [Start, End) of sequence space.
type Range struct {
	Start seqnum.Value
	End   seqnum.Value
}

// Size returns the number of sequence numbers covered by r.
func (r Range) Size() seqnum.Size {
	return r.Start.Size(r.End)
}

// Empty reports whether r covers nothing.
func (r Range) Empty() bool {
	return !r.Start.LessThan(r.End)
}

type interval struct {
	Range
	// stamp orders intervals by when they were last created or extended
	stamp uint64
}

// IntervalSet is a sorted set of disjoint, non-adjacent ranges of sequence
// space. Comparisons use wrapping sequence arithmetic, so all members must lie
// within half of the sequence space of each other.
type IntervalSet struct {
	ivs   []interval
	clock uint64
}

// Add checks in [start, end), merging it with every range it overlaps or
// touches. The merged range becomes the most recently updated one.
func (s *IntervalSet) Add(start, end seqnum.Value) {
	if !start.LessThan(end) {
		return
	}
	s.clock++
	merged := interval{Range: Range{Start: start, End: end}, stamp: s.clock}

	// first interval whose end reaches start
	i := sort.Search(len(s.ivs), func(i int) bool {
		return start.LessThanEq(s.ivs[i].End)
	})
	j := i
	for j < len(s.ivs) && s.ivs[j].Start.LessThanEq(end) {
		if s.ivs[j].Start.LessThan(merged.Start) {
			merged.Start = s.ivs[j].Start
		}
		if merged.End.LessThan(s.ivs[j].End) {
			merged.End = s.ivs[j].End
		}
		j++
	}

	if i == j {
		s.ivs = append(s.ivs, interval{})
		copy(s.ivs[i+1:], s.ivs[i:])
		s.ivs[i] = merged
		return
	}
	s.ivs[i] = merged
	s.ivs = append(s.ivs[:i+1], s.ivs[j:]...)
}

// Contains reports whether [start, end) is entirely covered by the set.
func (s *IntervalSet) Contains(start, end seqnum.Value) bool {
	if !start.LessThan(end) {
		return true
	}
	i := sort.Search(len(s.ivs), func(i int) bool {
		return start.LessThan(s.ivs[i].End)
	})
	if i == len(s.ivs) {
		return false
	}
	iv := s.ivs[i]
	return iv.Start.LessThanEq(start) && end.LessThanEq(iv.End)
}

// Covers reports whether the single sequence number v is in the set.
func (s *IntervalSet) Covers(v seqnum.Value) bool {
	return s.Contains(v, v.Add(1))
}

// TrimBelow forgets everything before v.
func (s *IntervalSet) TrimBelow(v seqnum.Value) {
	n := 0
	for _, iv := range s.ivs {
		if iv.End.LessThanEq(v) {
			continue
		}
		if iv.Start.LessThan(v) {
			iv.Start = v
		}
		s.ivs[n] = iv
		n++
	}
	s.ivs = s.ivs[:n]
}

// First returns the lowest range in the set.
func (s *IntervalSet) First() (Range, bool) {
	if len(s.ivs) == 0 {
		return Range{}, false
	}
	return s.ivs[0].Range, true
}

// Last returns the highest range in the set.
func (s *IntervalSet) Last() (Range, bool) {
	if len(s.ivs) == 0 {
		return Range{}, false
	}
	return s.ivs[len(s.ivs)-1].Range, true
}

// Ranges returns the members in ascending sequence order.
func (s *IntervalSet) Ranges() []Range {
	out := make([]Range, len(s.ivs))
	for i, iv := range s.ivs {
		out[i] = iv.Range
	}
	return out
}

// Gaps returns the holes inside [from, to), in ascending order.
func (s *IntervalSet) Gaps(from, to seqnum.Value) []Range {
	var gaps []Range
	cursor := from
	for _, iv := range s.ivs {
		if !cursor.LessThan(to) {
			break
		}
		if iv.End.LessThanEq(cursor) {
			continue
		}
		if to.LessThanEq(iv.Start) {
			break
		}
		if cursor.LessThan(iv.Start) {
			gaps = append(gaps, Range{Start: cursor, End: iv.Start})
		}
		cursor = iv.End
	}
	if cursor.LessThan(to) {
		gaps = append(gaps, Range{Start: cursor, End: to})
	}
	return gaps
}

// MostRecent returns up to n ranges lying entirely after v, most recently
// created or extended first.
func (s *IntervalSet) MostRecent(v seqnum.Value, n int) []Range {
	var candidates []interval
	for _, iv := range s.ivs {
		if v.LessThan(iv.Start) {
			candidates = append(candidates, iv)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].stamp > candidates[j].stamp
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]Range, len(candidates))
	for i, iv := range candidates {
		out[i] = iv.Range
	}
	return out
}

// Bytes returns the total amount of sequence space covered.
func (s *IntervalSet) Bytes() seqnum.Size {
	var total seqnum.Size
	for _, iv := range s.ivs {
		total += iv.Size()
	}
	return total
}

// Len returns the number of disjoint ranges.
func (s *IntervalSet) Len() int { return len(s.ivs) }

// Clear empties the set.
func (s *IntervalSet) Clear() {
	s.ivs = s.ivs[:0]
}
