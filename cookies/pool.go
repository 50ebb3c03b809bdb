package cookies

import "sync"

// entry holds one cookie set and its smooth weighted round-robin state.
type entry struct {
	header  string
	penalty int
	current int
}

// Pool rotates between cookie sets with smooth weighted round-robin. Sets
// that were rejected (blocked probe, auth failure in the producer) get a
// penalty and are picked less often. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries []entry
}

// Lease is one selection from the pool. The zero Lease carries no cookies.
type Lease struct {
	Header string
	pool   *Pool
}

// Reject penalizes the leased cookie set.
func (l Lease) Reject() {
	if l.pool != nil && l.Header != "" {
		l.pool.Penalize(l.Header)
	}
}

// NewPool creates a pool from the given cookie header values, dropping
// duplicates and empty values.
func NewPool(headers []string) *Pool {
	p := &Pool{}
	p.entries = dedupe(headers, nil)
	return p
}

// Select leases the next cookie set. An empty pool yields a zero Lease.
func (p *Pool) Select() Lease {
	if p == nil {
		return Lease{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch len(p.entries) {
	case 0:
		return Lease{}
	case 1:
		return Lease{Header: p.entries[0].header, pool: p}
	}

	// weight = maxPenalty - penalty + 1, so the least penalized set has the
	// highest weight and every set keeps a non-zero share
	maxPenalty := 0
	for _, e := range p.entries {
		maxPenalty = max(maxPenalty, e.penalty)
	}

	total := 0
	best := 0
	for i := range p.entries {
		w := maxPenalty - p.entries[i].penalty + 1
		p.entries[i].current += w
		total += w
		if p.entries[i].current > p.entries[best].current {
			best = i
		}
	}
	p.entries[best].current -= total
	return Lease{Header: p.entries[best].header, pool: p}
}

// Penalize increases the penalty for header and re-roots all penalties so
// the minimum is always 0.
func (p *Pool) Penalize(header string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].header == header {
			p.entries[i].penalty++
			break
		}
	}
	p.reroot()
}

// Update replaces the pool contents. Sets present before keep their
// penalties, new sets start at 0, missing sets are dropped.
func (p *Pool) Update(headers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	penalties := make(map[string]int, len(p.entries))
	for _, e := range p.entries {
		penalties[e.header] = e.penalty
	}
	p.entries = dedupe(headers, penalties)
	p.reroot()
}

// Count returns the number of cookie sets in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Penalty returns the current penalty of header, or -1 if it is not pooled.
func (p *Pool) Penalty(header string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.header == header {
			return e.penalty
		}
	}
	return -1
}

// reroot must be called with p.mu held.
func (p *Pool) reroot() {
	if len(p.entries) == 0 {
		return
	}
	minPenalty := p.entries[0].penalty
	for _, e := range p.entries[1:] {
		minPenalty = min(minPenalty, e.penalty)
	}
	for i := range p.entries {
		p.entries[i].penalty -= minPenalty
	}
}

func dedupe(headers []string, penalties map[string]int) []entry {
	seen := make(map[string]struct{}, len(headers))
	var out []entry
	for _, h := range headers {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, entry{header: h, penalty: penalties[h]})
	}
	return out
}
