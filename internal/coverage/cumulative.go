package coverage

import "sync"

// Virgin accumulates every jump slot ever seen by a worker.
type Virgin struct {
	mu    sync.Mutex
	seen  Map
	count int
}

// NewVirgin returns an empty accumulator.
func NewVirgin() *Virgin {
	return &Virgin{}
}

// Update folds m into the accumulator and returns the slots that went from
// unseen to seen.
func (v *Virgin) Update(m *Map) []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	var fresh []int
	for i, hits := range m {
		if hits != 0 && v.seen[i] == 0 {
			fresh = append(fresh, i)
		}
		if hits > v.seen[i] {
			v.seen[i] = hits
		}
	}
	v.count += len(fresh)
	return fresh
}

// Count returns the number of distinct slots seen.
func (v *Virgin) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}

// Merge folds another accumulator in. Used when worker state is reconciled.
func (v *Virgin) Merge(other *Virgin) int {
	other.mu.Lock()
	snapshot := other.seen
	other.mu.Unlock()
	return len(v.Update(&snapshot))
}

// Improvement describes one comparison site that got closer.
type Improvement struct {
	Site     int
	Previous uint64
	Current  uint64
}

// Gain returns how much closer the site got. The first observation of a site
// reports the full distance to the sentinel.
func (i Improvement) Gain() uint64 {
	return i.Previous - i.Current
}

// CmpBest tracks the best distance ever recorded per comparison site.
type CmpBest struct {
	mu   sync.Mutex
	best CmpMap
}

// NewCmpBest returns a tracker with every site unobserved.
func NewCmpBest() *CmpBest {
	c := &CmpBest{}
	c.best.Clear()
	return c
}

// Update records every site of m whose distance strictly decreased by at least
// threshold and returns them. A site's first non-sentinel observation always
// counts; the sentinel never does.
func (c *CmpBest) Update(m *CmpMap, threshold uint64) []Improvement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Improvement
	for i, d := range m {
		if d == CmpSentinel {
			continue
		}
		prev := c.best[i]
		if d >= prev {
			continue
		}
		if prev != CmpSentinel && prev-d < threshold {
			continue
		}
		c.best[i] = d
		out = append(out, Improvement{Site: i, Previous: prev, Current: d})
	}
	return out
}

// Best returns the best distance recorded at site.
func (c *CmpBest) Best(site int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best[site%MapSize]
}
