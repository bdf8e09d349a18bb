// Package dns implements the filtering listener: it decodes client queries,
// answers blocked names with NXDOMAIN and relays everything else upstream.
package dns

import (
	"errors"
	"fmt"
	"net"

	"adward/pkg/blocklist"

	"github.com/miekg/dns"
)

// ErrMalformedPacket is returned when a datagram is not a DNS query with a
// question section. Such datagrams are dropped without a reply.
var ErrMalformedPacket = errors.New("malformed DNS packet")

// headerSize is the fixed length of a DNS message header
const headerSize = 12

// Query is a decoded client query. Raw holds the datagram exactly as
// received so it can be forwarded unchanged.
type Query struct {
	ID     uint16
	Name   string // normalized: lower case, no trailing dot
	Type   uint16
	Raw    []byte
	Client net.Addr

	msg *dns.Msg
}

// TypeString returns the mnemonic of the query type, e.g. "AAAA".
func (q *Query) TypeString() string {
	if s, ok := dns.TypeToString[q.Type]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", q.Type)
}

// Decode parses the header and first question of raw.
func Decode(raw []byte, client net.Addr) (*Query, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformedPacket, len(raw))
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	if len(msg.Question) == 0 {
		return nil, fmt.Errorf("%w: no question", ErrMalformedPacket)
	}

	question := msg.Question[0]
	return &Query{
		ID:     msg.Id,
		Name:   blocklist.Normalize(question.Name),
		Type:   question.Qtype,
		Raw:    raw,
		Client: client,
		msg:    msg,
	}, nil
}

// EncodeBlockResponse builds the NXDOMAIN reply for q: same id and question,
// no answers, RD echoed and RA set.
func EncodeBlockResponse(q *Query) ([]byte, error) {
	if q == nil || q.msg == nil {
		return nil, fmt.Errorf("%w: query was not decoded", ErrMalformedPacket)
	}

	resp := new(dns.Msg)
	resp.SetRcode(q.msg, dns.RcodeNameError)
	// SetReply keeps only the first question; echo all of them.
	resp.Question = append([]dns.Question(nil), q.msg.Question...)
	resp.RecursionAvailable = true

	packed, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack block response: %w", err)
	}
	return packed, nil
}

// loopbackReverseNames returns the PTR owner names of the loopback addresses
// plus host when it is a loopback IP.
func loopbackReverseNames(host string) map[string]struct{} {
	names := make(map[string]struct{})
	addrs := []string{"127.0.0.1", "::1"}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		addrs = append(addrs, host)
	}
	for _, a := range addrs {
		if rev, err := dns.ReverseAddr(a); err == nil {
			names[blocklist.Normalize(rev)] = struct{}{}
		}
	}
	return names
}
