package data

// IndexSet is an ordered sequence of distinct coordinate indices.
// An empty set on a query axis means "every coordinate".
type IndexSet []int

// Range returns the inclusive ascending sequence start..end.
// An inverted range yields an empty set.
func Range(start, end int) IndexSet {
	if end < start {
		return IndexSet{}
	}
	set := make(IndexSet, 0, end-start+1)
	for i := start; i <= end; i++ {
		set = append(set, i)
	}
	return set
}

// Min returns the smallest index, or -1 for an empty set.
func (s IndexSet) Min() int {
	if len(s) == 0 {
		return -1
	}
	m := s[0]
	for _, v := range s[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest index, or -1 for an empty set.
func (s IndexSet) Max() int {
	if len(s) == 0 {
		return -1
	}
	m := s[0]
	for _, v := range s[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// IsContiguous reports whether s is an ascending run without gaps.
func (s IndexSet) IsContiguous() bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[i-1]+1 {
			return false
		}
	}
	return true
}

// IsAll reports whether s selects every one of n coordinates,
// either implicitly (empty) or explicitly (exactly 0..n-1 in order).
func (s IndexSet) IsAll(n int) bool {
	if len(s) == 0 {
		return true
	}
	return len(s) == n && s[0] == 0 && s.IsContiguous()
}

// Contains reports whether i is a member of s.
func (s IndexSet) Contains(i int) bool {
	for _, v := range s {
		if v == i {
			return true
		}
	}
	return false
}

// Resolve expands an empty set to 0..n-1 and returns s unchanged otherwise.
func (s IndexSet) Resolve(n int) IndexSet {
	if len(s) == 0 {
		return Range(0, n-1)
	}
	return s
}
