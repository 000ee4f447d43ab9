package btree

import "bytes"

// Comparator is a pluggable ordering callback over opaque byte strings
// (spec §3: "ordering is user-pluggable via a comparator callback").
type Comparator func(a, b []byte) int

// ByteComparator is the default lexicographic comparator over raw bytes.
func ByteComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// ValidateStrictOrder samples a comparator against a handful of values and
// checks antisymmetry and transitivity, per design note §9's optional
// validation of user-supplied comparators. It is a best-effort sanity
// check, not a proof.
func ValidateStrictOrder(cmp Comparator, samples [][]byte) bool {
	for i := range samples {
		for j := range samples {
			cij := cmp(samples[i], samples[j])
			cji := cmp(samples[j], samples[i])
			if (cij < 0 && cji >= 0) || (cij > 0 && cji <= 0) || (cij == 0 && cji != 0) {
				return false
			}
			for k := range samples {
				cjk := cmp(samples[j], samples[k])
				cik := cmp(samples[i], samples[k])
				if cij <= 0 && cjk <= 0 && cik > 0 {
					return false
				}
			}
		}
	}
	return true
}
