package chunk

// DefaultSize is the number of keywords sent in one remote submission.
const DefaultSize = 100

// Split returns consecutive slices of at most size items, in input order.
// A size below 1 falls back to DefaultSize. The returned chunks share the
// backing array of items.
func Split[T any](items []T, size int) [][]T {
	if size < 1 {
		size = DefaultSize
	}
	if len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}
