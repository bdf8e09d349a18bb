package dns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = id
	raw, err := msg.Pack()
	require.NoError(t, err)
	return raw
}

var testClient = &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40000}

func TestDecode(t *testing.T) {
	raw := packQuery(t, "Ads.Example.COM", dns.TypeAAAA, 0x1234)

	q, err := Decode(raw, testClient)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), q.ID)
	assert.Equal(t, "ads.example.com", q.Name)
	assert.Equal(t, dns.TypeAAAA, q.Type)
	assert.Equal(t, "AAAA", q.TypeString())
	assert.Equal(t, raw, q.Raw)
	assert.Equal(t, testClient, q.Client)
}

func TestDecode_Malformed(t *testing.T) {
	noQuestion := new(dns.Msg)
	noQuestion.Id = 7
	noQuestionRaw, err := noQuestion.Pack()
	require.NoError(t, err)

	truncated := packQuery(t, "example.com", dns.TypeA, 1)
	truncated = truncated[:len(truncated)-3]

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "short header", raw: []byte{0x12, 0x34, 0x01, 0x00, 0x00}},
		{name: "no question", raw: noQuestionRaw},
		{name: "truncated question", raw: truncated},
		{name: "garbage", raw: []byte("this is definitely not a DNS packet at all")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw, testClient)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestEncodeBlockResponse(t *testing.T) {
	raw := packQuery(t, "ads.example.com", dns.TypeA, 0xABCD)
	q, err := Decode(raw, testClient)
	require.NoError(t, err)

	reply, err := EncodeBlockResponse(q)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(reply))
	assert.Equal(t, uint16(0xABCD), resp.Id)
	assert.True(t, resp.Response)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.True(t, resp.RecursionDesired)
	assert.True(t, resp.RecursionAvailable)
	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Question, 1)
	assert.Equal(t, dns.Question{Name: "ads.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, resp.Question[0])
}

func TestEncodeBlockResponse_RoundTrip(t *testing.T) {
	names := []string{"ads.example.com", "Mixed.Case.Example.org", "a.b.c.d.e.example.net", "xn--bcher-kva.example"}
	types := []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeTXT, dns.TypeHTTPS}

	for i, name := range names {
		for j, qtype := range types {
			id := uint16(i*100 + j)
			raw := packQuery(t, name, qtype, id)

			orig := new(dns.Msg)
			require.NoError(t, orig.Unpack(raw))

			q, err := Decode(raw, testClient)
			require.NoError(t, err)
			reply, err := EncodeBlockResponse(q)
			require.NoError(t, err)

			resp := new(dns.Msg)
			require.NoError(t, resp.Unpack(reply))
			assert.Equal(t, orig.Id, resp.Id)
			assert.Equal(t, orig.Question, resp.Question, "question section must be preserved exactly")
		}
	}
}

func TestEncodeBlockResponse_MultipleQuestions(t *testing.T) {
	msg := new(dns.Msg)
	msg.Id = 0x0102
	msg.RecursionDesired = true
	msg.Question = []dns.Question{
		{Name: "ads.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "ads.example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET},
	}
	raw, err := msg.Pack()
	require.NoError(t, err)

	q, err := Decode(raw, testClient)
	require.NoError(t, err)
	out, err := EncodeBlockResponse(q)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(out))
	assert.Equal(t, msg.Id, resp.Id)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Equal(t, msg.Question, resp.Question)
}

func TestEncodeBlockResponse_Undecoded(t *testing.T) {
	_, err := EncodeBlockResponse(&Query{ID: 1, Name: "example.com"})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = EncodeBlockResponse(nil)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestLoopbackReverseNames(t *testing.T) {
	names := loopbackReverseNames("127.0.0.53")
	assert.Contains(t, names, "1.0.0.127.in-addr.arpa")
	assert.Contains(t, names, "53.0.0.127.in-addr.arpa")
	assert.Len(t, names, 3)

	names = loopbackReverseNames("192.168.1.1")
	assert.Len(t, names, 2)
	assert.NotContains(t, names, "1.1.168.192.in-addr.arpa")
}
