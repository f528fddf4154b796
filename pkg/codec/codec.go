// Package codec translates between raw DNS datagrams, the relay's internal
// query representation, and upstream DoH answer bodies.
package codec

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

const (
	// MaxNameLength is the longest domain name accepted, in presentation
	// form without the trailing dot (RFC 1035).
	MaxNameLength = 253

	// MaxResponseSize bounds an encoded response to one UDP MTU. Answers
	// that do not fit are truncated and TC is set.
	MaxResponseSize = 1500
)

var (
	// ErrBadQuery reports a datagram that is not a well-formed single
	// question DNS query.
	ErrBadQuery = errors.New("malformed DNS query")

	// ErrNameTooLong reports a question name over 253 bytes.
	ErrNameTooLong = errors.New("query name too long")

	// ErrUnsupportedType reports a query type other than A/IN. The caller
	// drops these without a reply.
	ErrUnsupportedType = errors.New("unsupported query type")

	// ErrBadUpstreamBody reports an upstream answer body that does not
	// match the configured format.
	ErrBadUpstreamBody = errors.New("malformed upstream answer body")
)

// Query is a validated inbound DNS question.
type Query struct {
	ID               uint16
	Name             string // presentation form, no trailing dot
	Type             uint16
	RecursionDesired bool
	CheckingDisabled bool
}

// Answer is the ordered address list decoded from an upstream body. An empty
// list means the upstream had no record; it is encoded as NOERROR with zero
// answers, never as NXDOMAIN.
type Answer struct {
	Addrs []netip.Addr
}

// DecodeQuery parses one raw UDP datagram into a Query. Label compression and
// length bounds are enforced by the unpack; on top of that the question count
// must be exactly one, the name must fit MaxNameLength, and only A/IN
// questions are supported. For an unsupported type the parsed query is
// returned alongside ErrUnsupportedType so callers can still log it.
func DecodeQuery(raw []byte) (*Query, error) {
	var msg dns.Msg
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}

	if msg.Response {
		return nil, fmt.Errorf("%w: QR bit set", ErrBadQuery)
	}
	if len(msg.Question) != 1 {
		return nil, fmt.Errorf("%w: %d questions", ErrBadQuery, len(msg.Question))
	}

	question := msg.Question[0]
	name := strings.TrimSuffix(question.Name, ".")
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}

	q := &Query{
		ID:               msg.Id,
		Name:             name,
		Type:             question.Qtype,
		RecursionDesired: msg.RecursionDesired,
		CheckingDisabled: msg.CheckingDisabled,
	}

	if question.Qtype != dns.TypeA || question.Qclass != dns.ClassINET {
		return q, ErrUnsupportedType
	}
	return q, nil
}

// EncodeResponse builds the reply datagram for a query: original id and
// question, QR and RA set, RD copied from the query, and one A record per
// address in order. The output never exceeds MaxResponseSize; surplus answers
// are dropped and the truncation bit set.
func EncodeResponse(q *Query, ans Answer, ttl uint32) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = q.ID
	msg.Response = true
	msg.Opcode = dns.OpcodeQuery
	msg.RecursionDesired = q.RecursionDesired
	msg.RecursionAvailable = true
	msg.CheckingDisabled = q.CheckingDisabled
	msg.Rcode = dns.RcodeSuccess

	fqdn := dns.Fqdn(q.Name)
	msg.Question = []dns.Question{{
		Name:   fqdn,
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}

	for _, addr := range ans.Addrs {
		v4 := addr.Unmap()
		if !v4.Is4() {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   fqdn,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			A: net.IP(v4.AsSlice()),
		})
	}

	msg.Truncate(MaxResponseSize)

	payload, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing response: %w", err)
	}
	return payload, nil
}
