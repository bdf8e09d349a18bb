package blocklist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotDecide(t *testing.T) {
	tests := []struct {
		name   string
		block  []string
		allow  []string
		domain string
		want   Decision
	}{
		{
			name:   "blocked domain",
			block:  []string{"ads.example.com"},
			domain: "ads.example.com",
			want:   Block,
		},
		{
			name:   "allow overrides block",
			block:  []string{"ads.example.com"},
			allow:  []string{"ads.example.com"},
			domain: "ads.example.com",
			want:   Forward,
		},
		{
			name:   "unlisted domain",
			block:  []string{"ads.example.com"},
			domain: "unblocked.example.com",
			want:   Forward,
		},
		{
			name:   "case and trailing dot are normalized",
			block:  []string{"ads.example.com"},
			domain: "ADS.Example.COM.",
			want:   Block,
		},
		{
			name:   "subdomains are not implied",
			block:  []string{"example.com"},
			domain: "ads.example.com",
			want:   Forward,
		},
		{
			name:   "allow only",
			allow:  []string{"ads.example.com"},
			domain: "ads.example.com",
			want:   Forward,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Snapshot{Block: NewSet(tt.block...), Allow: NewSet(tt.allow...)}
			assert.Equal(t, tt.want, s.Decide(tt.domain))
		})
	}
}

func TestSnapshotMatch(t *testing.T) {
	s := &Snapshot{Block: NewSet("ads.example.com"), Allow: NewSet("ads.example.com")}

	res := s.Match("Ads.Example.com.")
	assert.Equal(t, Forward, res.Decision)
	assert.Equal(t, "ads.example.com", res.Domain)
	assert.True(t, res.Listed)
	assert.True(t, res.Allowed)
}

func TestNilSnapshotForwards(t *testing.T) {
	var s *Snapshot
	assert.Equal(t, Forward, s.Decide("ads.example.com"))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "forward", Forward.String())
}

func BenchmarkSnapshotDecide(b *testing.B) {
	domains := make([]string, 100000)
	for i := range domains {
		domains[i] = fmt.Sprintf("ads%d.example.com", i)
	}
	s := &Snapshot{Block: NewSet(domains...), Allow: NewSet()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Decide(domains[i%len(domains)])
	}
}
