package gravity

// Gravity tags a gravity magnitude with the flat coarse index of the
// destination it was computed for.
type Gravity struct {
	Value float64
	Index int
}

// Before reports whether g ranks ahead of o when choosing the most attractive
// destinations: larger value first, lower index first on equal values.
func (g Gravity) Before(o Gravity) bool {
	if g.Value != o.Value {
		return g.Value > o.Value
	}
	return g.Index < o.Index
}

// Less orders gravities from least to most attractive. It is the reverse of
// Before, so the two orders agree on ties.
func (g Gravity) Less(o Gravity) bool { return o.Before(g) }

// Proportion tags a cumulative probability with a flat coarse destination
// index.
type Proportion struct {
	Cumulative float64
	Index      int
}

// Less orders proportions by cumulative probability, then by index.
func (p Proportion) Less(o Proportion) bool {
	if p.Cumulative != o.Cumulative {
		return p.Cumulative < o.Cumulative
	}
	return p.Index < o.Index
}

// selectTop partially reorders buf so that buf[:k] holds the k entries that
// rank first under Before, in no particular order. Only the boundary is
// exact; the rest of buf is left partitioned.
func selectTop(buf []Gravity, k int) {
	if k <= 0 || k >= len(buf) {
		return
	}
	lo, hi := 0, len(buf)-1
	for lo < hi {
		p := partition(buf, lo, hi)
		switch {
		case p == k || p == k-1:
			return
		case p > k:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
}

// partition splits buf[lo:hi+1] around a median-of-three pivot and returns
// the pivot's final position. Entries before it rank ahead of the pivot.
func partition(buf []Gravity, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if buf[mid].Before(buf[lo]) {
		buf[mid], buf[lo] = buf[lo], buf[mid]
	}
	if buf[hi].Before(buf[lo]) {
		buf[hi], buf[lo] = buf[lo], buf[hi]
	}
	if buf[mid].Before(buf[hi]) {
		buf[mid], buf[hi] = buf[hi], buf[mid]
	}
	pivot := buf[hi]

	store := lo
	for i := lo; i < hi; i++ {
		if buf[i].Before(pivot) {
			buf[i], buf[store] = buf[store], buf[i]
			store++
		}
	}
	buf[store], buf[hi] = buf[hi], buf[store]
	return store
}
