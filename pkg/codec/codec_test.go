package codec

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packQuery builds a raw query datagram for tests.
func packQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = id
	msg.RecursionDesired = true
	raw, err := msg.Pack()
	require.NoError(t, err)
	return raw
}

func TestDecodeQuery(t *testing.T) {
	raw := packQuery(t, 0x1234, "example.com", dns.TypeA)

	q, err := DecodeQuery(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), q.ID)
	assert.Equal(t, "example.com", q.Name)
	assert.Equal(t, dns.TypeA, q.Type)
	assert.True(t, q.RecursionDesired)
}

func TestDecodeQueryUnsupportedType(t *testing.T) {
	raw := packQuery(t, 0x42, "example.com", dns.TypeAAAA)

	q, err := DecodeQuery(raw)
	require.ErrorIs(t, err, ErrUnsupportedType)
	// The parsed query is still returned for debug logging.
	require.NotNil(t, q)
	assert.Equal(t, dns.TypeAAAA, q.Type)
}

func TestDecodeQueryNameTooLong(t *testing.T) {
	// Non-printable label bytes expand to \DDD escapes in presentation
	// form, so a name can stay under the 255-octet wire bound while its
	// presentation form blows past 253 bytes. Hand-craft the wire.
	raw := []byte{
		0x00, 0x01, // id
		0x01, 0x00, // flags: RD
		0x00, 0x01, // qdcount
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	label := append([]byte{63}, bytes.Repeat([]byte{0x07}, 63)...)
	for i := 0; i < 3; i++ {
		raw = append(raw, label...)
	}
	raw = append(raw, 0x00)       // root
	raw = append(raw, 0x00, 0x01) // qtype A
	raw = append(raw, 0x00, 0x01) // qclass IN

	_, err := DecodeQuery(raw)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestDecodeQueryRejectsResponses(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true
	raw, err := msg.Pack()
	require.NoError(t, err)

	_, err = DecodeQuery(raw)
	assert.ErrorIs(t, err, ErrBadQuery)
}

func TestDecodeQueryMalformed(t *testing.T) {
	// None of these may panic or read past the buffer; all must error.
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x12, 0x34, 0x01}},
		{"header only", make([]byte, 12)},
		{"lying question count", []byte{
			0x12, 0x34, 0x01, 0x00,
			0x00, 0x05, // qdcount=5, no question bytes
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		}},
		{"truncated question", append(packQuery(t, 9, "example.com", dns.TypeA)[:20], 0xff)},
		{"garbage", []byte(strings.Repeat("\xde\xad\xbe\xef", 16))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeQuery(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	// Spec scenario: example.com A id 0x1234 answered by 93.184.216.34.
	raw := packQuery(t, 0x1234, "example.com", dns.TypeA)
	q, err := DecodeQuery(raw)
	require.NoError(t, err)

	ans := Answer{Addrs: []netip.Addr{netip.MustParseAddr("93.184.216.34")}}
	payload, err := EncodeResponse(q, ans, 300)
	require.NoError(t, err)
	require.LessOrEqual(t, len(payload), MaxResponseSize)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(payload))
	assert.Equal(t, uint16(0x1234), resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
	assert.Equal(t, uint32(300), a.Hdr.Ttl)
	assert.Equal(t, "example.com.", a.Hdr.Name)
}

func TestEncodeResponsePreservesOrder(t *testing.T) {
	q := &Query{ID: 7, Name: "example.com", Type: dns.TypeA}
	addrs := []netip.Addr{
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("93.184.216.35"),
		netip.MustParseAddr("10.0.0.1"),
	}
	payload, err := EncodeResponse(q, Answer{Addrs: addrs}, 60)
	require.NoError(t, err)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(payload))
	require.Len(t, resp.Answer, len(addrs))
	for i, rr := range resp.Answer {
		assert.Equal(t, addrs[i].String(), rr.(*dns.A).A.String())
	}
}

func TestEncodeResponseEmptyAnswer(t *testing.T) {
	// No record maps to NOERROR with zero answers, not NXDOMAIN.
	q := &Query{ID: 9, Name: "nothing.example.com", Type: dns.TypeA}
	payload, err := EncodeResponse(q, Answer{}, 60)
	require.NoError(t, err)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(payload))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestEncodeResponseTruncates(t *testing.T) {
	q := &Query{ID: 3, Name: "big.example.com", Type: dns.TypeA}
	var addrs []netip.Addr
	for i := 0; i < 200; i++ {
		addrs = append(addrs, netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}))
	}

	payload, err := EncodeResponse(q, Answer{Addrs: addrs}, 60)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), MaxResponseSize)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(payload))
	assert.True(t, resp.Truncated)
	assert.Less(t, len(resp.Answer), len(addrs))
}
