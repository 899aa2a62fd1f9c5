package bin

import "github.com/abeja-inc/table-splitter/pkg/data"

// windows splits 0..n-1 into contiguous ascending ranges of at most limit
// indices. The last range is truncated at n-1.
func windows(n int, limit int) []data.IndexSet {
	if n <= 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	count := (n + limit - 1) / limit
	result := make([]data.IndexSet, 0, count)
	for i := 0; i < count; i++ {
		start := i * limit
		end := start + limit - 1
		if end > n-1 {
			end = n - 1
		}
		result = append(result, data.Range(start, end))
	}
	return result
}

// WindowCount returns ceil(n/limit), the number of windows per axis.
func WindowCount(n int, limit int) int {
	if n <= 0 {
		return 0
	}
	if limit <= 0 || limit > n {
		return 1
	}
	return (n + limit - 1) / limit
}
