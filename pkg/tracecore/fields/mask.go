// Package fields implements the field-mask arithmetic used throughout the
// view and condition sets. A real region tree addresses an unbounded field
// space; the CORE bounds a single mask to 64 fields per root region, which
// is what every upstream region requirement in this runtime is scoped to.
package fields

import "math/bits"

// Mask is a bitset over field IDs 0..63 within one root region's footprint.
type Mask uint64

// Of builds a Mask from individual field IDs.
func Of(fieldIDs ...int) Mask {
	var m Mask
	for _, f := range fieldIDs {
		m |= 1 << uint(f)
	}
	return m
}

func (m Mask) Empty() bool { return m == 0 }

func (m Mask) Union(other Mask) Mask { return m | other }

func (m Mask) Intersect(other Mask) Mask { return m & other }

func (m Mask) Subtract(other Mask) Mask { return m &^ other }

func (m Mask) Overlaps(other Mask) bool { return m&other != 0 }

func (m Mask) Contains(other Mask) bool { return m&other == other }

func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// Fields returns the individual field IDs set in the mask, ascending.
func (m Mask) Fields() []int {
	out := make([]int, 0, m.Count())
	for i := 0; i < 64; i++ {
		if m&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}
