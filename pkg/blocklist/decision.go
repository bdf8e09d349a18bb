package blocklist

import "time"

// Decision is the outcome of filtering a domain.
type Decision int

const (
	// Forward relays the query to the upstream resolver
	Forward Decision = iota
	// Block answers the query with NXDOMAIN
	Block
)

// String returns the string representation of the decision
func (d Decision) String() string {
	if d == Block {
		return "block"
	}
	return "forward"
}

// Snapshot is one published pair of block and allow sets. It is never
// mutated after publication.
type Snapshot struct {
	Block    *Set
	Allow    *Set
	LoadedAt time.Time
}

// MatchResult describes how a domain was classified.
type MatchResult struct {
	Decision Decision
	Domain   string // normalized
	Listed   bool   // present in the block set
	Allowed  bool   // present in the allow set
}

// Match classifies domain: Block iff it is in the block set and not in the
// allow set.
func (s *Snapshot) Match(domain string) MatchResult {
	normalized := Normalize(domain)
	res := MatchResult{Domain: normalized}
	if s == nil || normalized == "" {
		return res
	}

	res.Listed = s.Block.has(normalized)
	res.Allowed = s.Allow.has(normalized)
	if res.Listed && !res.Allowed {
		res.Decision = Block
	}
	return res
}

// Decide returns only the decision for domain.
func (s *Snapshot) Decide(domain string) Decision {
	return s.Match(domain).Decision
}
