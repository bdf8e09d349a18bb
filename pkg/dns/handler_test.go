package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"adward/pkg/blocklist"
	"adward/pkg/forwarder"
	"adward/pkg/logging"
	"adward/pkg/storage"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDecider struct {
	snap *blocklist.Snapshot
}

func (d staticDecider) Match(domain string) blocklist.MatchResult {
	return d.snap.Match(domain)
}

func decider(block, allow []string) staticDecider {
	return staticDecider{snap: &blocklist.Snapshot{Block: blocklist.NewSet(block...), Allow: blocklist.NewSet(allow...)}}
}

// fakeUpstream answers with a fixed A record or fails with err.
type fakeUpstream struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeUpstream) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		return nil, err
	}
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP("198.51.100.7"),
	})
	return resp.Pack()
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type auditEntry struct {
	action storage.Action
	domain string
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *fakeAuditor) Log(ctx context.Context, action storage.Action, domain string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{action, domain})
}

func (a *fakeAuditor) all() []auditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditEntry(nil), a.entries...)
}

type capturedReply struct {
	data []byte
	addr net.Addr
}

type fakeWriter struct {
	mu      sync.Mutex
	replies []capturedReply
	err     error
}

func (w *fakeWriter) WriteTo(b []byte, addr net.Addr) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.replies = append(w.replies, capturedReply{data: append([]byte(nil), b...), addr: addr})
	return len(b), nil
}

func newTestHandler(d Decider, up Upstream) (*Handler, *fakeAuditor) {
	a := &fakeAuditor{}
	return NewHandler(d, up, a, logging.NewNop(), nil), a
}

func TestHandler_BlockedDomain(t *testing.T) {
	up := &fakeUpstream{}
	h, audit := newTestHandler(decider([]string{"ads.example.com"}, nil), up)
	w := &fakeWriter{}

	h.ServeDatagram(context.Background(), packQuery(t, "ads.example.com", dns.TypeA, 42), testClient, w)

	require.Len(t, w.replies, 1)
	assert.Equal(t, testClient, w.replies[0].addr)
	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(w.replies[0].data))
	assert.Equal(t, uint16(42), resp.Id)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)

	assert.Equal(t, 0, up.callCount())
	assert.Equal(t, []auditEntry{
		{storage.ActionReceived, "ads.example.com"},
		{storage.ActionBlocked, "ads.example.com"},
	}, audit.all())
}

func TestHandler_AllowedOverridesBlock(t *testing.T) {
	up := &fakeUpstream{}
	h, audit := newTestHandler(decider([]string{"ads.example.com"}, []string{"ads.example.com"}), up)
	w := &fakeWriter{}

	h.ServeDatagram(context.Background(), packQuery(t, "ads.example.com", dns.TypeA, 7), testClient, w)

	require.Len(t, w.replies, 1)
	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(w.replies[0].data))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Len(t, resp.Answer, 1)
	assert.Equal(t, 1, up.callCount())
	assert.Equal(t, []auditEntry{
		{storage.ActionReceived, "ads.example.com"},
		{storage.ActionForwarded, "ads.example.com"},
	}, audit.all())
}

func TestHandler_ForwardRelaysVerbatim(t *testing.T) {
	up := &fakeUpstream{}
	h, _ := newTestHandler(decider(nil, nil), up)
	w := &fakeWriter{}
	raw := packQuery(t, "example.com", dns.TypeA, 99)

	h.ServeDatagram(context.Background(), raw, testClient, w)

	expected, err := up.Forward(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, w.replies, 1)
	assert.Equal(t, expected, w.replies[0].data)
}

func TestHandler_UpstreamFailureSendsNothing(t *testing.T) {
	up := &fakeUpstream{err: forwarder.ErrUpstreamTimeout}
	h, audit := newTestHandler(decider(nil, nil), up)
	w := &fakeWriter{}

	h.ServeDatagram(context.Background(), packQuery(t, "unblocked.example.com", dns.TypeA, 1), testClient, w)

	assert.Empty(t, w.replies)
	assert.Equal(t, 1, up.callCount())
	assert.Equal(t, []auditEntry{{storage.ActionReceived, "unblocked.example.com"}}, audit.all())
}

func TestHandler_MalformedDropped(t *testing.T) {
	up := &fakeUpstream{}
	h, audit := newTestHandler(decider(nil, nil), up)
	w := &fakeWriter{}

	h.ServeDatagram(context.Background(), []byte{0x00, 0x01, 0x02}, testClient, w)

	assert.Empty(t, w.replies)
	assert.Empty(t, audit.all())
	assert.Equal(t, 0, up.callCount())
}

func TestHandler_LoopbackReverseLookupNotAudited(t *testing.T) {
	up := &fakeUpstream{}
	h, audit := newTestHandler(decider([]string{"1.0.0.127.in-addr.arpa"}, nil), up)
	w := &fakeWriter{}

	h.ServeDatagram(context.Background(), packQuery(t, "1.0.0.127.in-addr.arpa", dns.TypePTR, 5), testClient, w)

	// still filtered
	require.Len(t, w.replies, 1)
	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(w.replies[0].data))
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, audit.all())

	h.ServeDatagram(context.Background(), packQuery(t, "1.1.168.192.in-addr.arpa", dns.TypePTR, 6), testClient, w)
	assert.Len(t, audit.all(), 2)
}

func TestHandler_BindHostReverseLookupNotAudited(t *testing.T) {
	h, audit := newTestHandler(decider(nil, nil), &fakeUpstream{})
	h.SetBindHost("127.0.0.53")

	h.ServeDatagram(context.Background(), packQuery(t, "53.0.0.127.in-addr.arpa", dns.TypePTR, 5), testClient, &fakeWriter{})
	assert.Empty(t, audit.all())
}

func TestHandler_WriteFailureSkipsOutcomeAudit(t *testing.T) {
	h, audit := newTestHandler(decider([]string{"ads.example.com"}, nil), &fakeUpstream{})
	w := &fakeWriter{err: errors.New("sendto: network is unreachable")}

	h.ServeDatagram(context.Background(), packQuery(t, "ads.example.com", dns.TypeA, 1), testClient, w)
	assert.Equal(t, []auditEntry{{storage.ActionReceived, "ads.example.com"}}, audit.all())
}
