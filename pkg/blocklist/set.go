package blocklist

import (
	"sort"
	"strings"
)

// Set is an immutable set of normalized domain names.
type Set struct {
	domains map[string]struct{}
}

// NewSet builds a set from the given names, normalizing each one.
func NewSet(domains ...string) *Set {
	s := &Set{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		if n := Normalize(d); n != "" {
			s.domains[n] = struct{}{}
		}
	}
	return s
}

func newSetFromMap(m map[string]struct{}) *Set {
	return &Set{domains: m}
}

// Has reports whether the normalized form of domain is in the set.
func (s *Set) Has(domain string) bool {
	if s == nil {
		return false
	}
	_, ok := s.domains[Normalize(domain)]
	return ok
}

// has is Has for an already normalized name.
func (s *Set) has(normalized string) bool {
	if s == nil {
		return false
	}
	_, ok := s.domains[normalized]
	return ok
}

// Len returns the number of domains in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.domains)
}

// Domains returns the members in sorted order.
func (s *Set) Domains() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same members.
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s == nil {
		return true
	}
	for d := range s.domains {
		if !other.has(d) {
			return false
		}
	}
	return true
}

// Normalize lower-cases a name and strips surrounding space and the trailing dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
