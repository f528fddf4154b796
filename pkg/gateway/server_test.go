package gateway

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"doh-relay/pkg/config"
	"doh-relay/pkg/logging"
	"doh-relay/pkg/ratelimit"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	body    []byte
	err     error
	calls   int
	lastURL string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastURL = url
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	cfg := config.LoadWithDefaults()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Upstream.Endpoint = "https://dns.example.net/d"
	cfg.Upstream.AnswerTTL = 300 * time.Second
	cfg.Upstream.Timeout = 2 * time.Second
	return cfg
}

// startServer runs the gateway on an ephemeral port and returns a client
// socket dialed at it.
func startServer(t *testing.T, cfg *config.Config, fetcher Fetcher, limiter *ratelimit.Manager) *net.UDPConn {
	t.Helper()

	srv, err := NewServer(cfg, fetcher, limiter, nil, logging.NewDefault(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		return srv.LocalAddr() != nil
	}, 2*time.Second, 10*time.Millisecond)

	client, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func packQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = id
	raw, err := msg.Pack()
	require.NoError(t, err)
	return raw
}

func readReply(t *testing.T, client *net.UDPConn) *dns.Msg {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	require.NoError(t, err)

	var msg dns.Msg
	require.NoError(t, msg.Unpack(buf[:n]))
	return &msg
}

func expectNoReply(t *testing.T, client *net.UDPConn) {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 4096)
	_, err := client.Read(buf)
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())
}

func TestProxyRoundTrip(t *testing.T) {
	fetcher := &fakeFetcher{body: []byte("93.184.216.34;203.0.113.5")}
	client := startServer(t, testConfig(), fetcher, nil)

	_, err := client.Write(packQuery(t, 0x1234, "example.com", dns.TypeA))
	require.NoError(t, err)

	reply := readReply(t, client)
	assert.Equal(t, uint16(0x1234), reply.Id)
	assert.True(t, reply.Response)
	assert.True(t, reply.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 2)

	first, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", first.A.String())
	assert.Equal(t, uint32(300), first.Hdr.Ttl)

	second, ok := reply.Answer[1].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.5", second.A.String())

	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, "https://dns.example.net/d?dn=example.com", fetcher.lastURL)
}

func TestProxyJSONFormat(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.BodyFormat = "json"
	fetcher := &fakeFetcher{body: []byte(`{"Status":0,"Answer":[{"name":"example.com.","type":1,"TTL":60,"data":"93.184.216.34"}]}`)}
	client := startServer(t, cfg, fetcher, nil)

	_, err := client.Write(packQuery(t, 7, "example.com", dns.TypeA))
	require.NoError(t, err)

	reply := readReply(t, client)
	require.Len(t, reply.Answer, 1)
	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
}

func TestUnsupportedTypeNeverFetched(t *testing.T) {
	fetcher := &fakeFetcher{body: []byte("93.184.216.34")}
	client := startServer(t, testConfig(), fetcher, nil)

	_, err := client.Write(packQuery(t, 9, "example.com", dns.TypeAAAA))
	require.NoError(t, err)

	expectNoReply(t, client)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestFetchFailureDropsSilently(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	client := startServer(t, testConfig(), fetcher, nil)

	_, err := client.Write(packQuery(t, 9, "example.com", dns.TypeA))
	require.NoError(t, err)

	expectNoReply(t, client)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestMalformedDatagramIgnored(t *testing.T) {
	fetcher := &fakeFetcher{body: []byte("93.184.216.34")}
	client := startServer(t, testConfig(), fetcher, nil)

	_, err := client.Write([]byte{0xde, 0xad, 0xbe})
	require.NoError(t, err)
	expectNoReply(t, client)
	assert.Equal(t, 0, fetcher.callCount())

	// The loop keeps serving after junk.
	_, err = client.Write(packQuery(t, 11, "example.com", dns.TypeA))
	require.NoError(t, err)
	reply := readReply(t, client)
	assert.Equal(t, uint16(11), reply.Id)
}

func TestBadUpstreamBodyDropsSilently(t *testing.T) {
	fetcher := &fakeFetcher{body: []byte("not-an-address")}
	client := startServer(t, testConfig(), fetcher, nil)

	_, err := client.Write(packQuery(t, 3, "example.com", dns.TypeA))
	require.NoError(t, err)
	expectNoReply(t, client)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestRateLimitDrops(t *testing.T) {
	limiter := ratelimit.NewManager(&config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 0.001,
		Burst:             1,
		CleanupInterval:   time.Minute,
	}, logging.NewDefault())
	t.Cleanup(limiter.Stop)

	fetcher := &fakeFetcher{body: []byte("93.184.216.34")}
	client := startServer(t, testConfig(), fetcher, limiter)

	_, err := client.Write(packQuery(t, 1, "example.com", dns.TypeA))
	require.NoError(t, err)
	reply := readReply(t, client)
	assert.Equal(t, uint16(1), reply.Id)

	_, err = client.Write(packQuery(t, 2, "example.com", dns.TypeA))
	require.NoError(t, err)
	expectNoReply(t, client)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestQueryURLEscapesName(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{body: []byte("93.184.216.34")}
	client := startServer(t, cfg, fetcher, nil)

	_, err := client.Write(packQuery(t, 5, "sub_domain.example.com", dns.TypeA))
	require.NoError(t, err)
	readReply(t, client)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, "https://dns.example.net/d?dn=sub_domain.example.com", fetcher.lastURL)
}

func TestRespond(t *testing.T) {
	cfg := testConfig()
	srv, err := NewServer(cfg, &fakeFetcher{}, nil, nil, logging.NewDefault(), nil)
	require.NoError(t, err)

	// Before Start there is no socket to send on.
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	assert.False(t, srv.Respond(dest, []byte{0x00}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()
	require.Eventually(t, func() bool {
		return srv.LocalAddr() != nil
	}, 2*time.Second, 10*time.Millisecond)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	payload := []byte{0xca, 0xfe}
	assert.True(t, srv.Respond(client.LocalAddr().(*net.UDPAddr), payload))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	// A closed socket makes sends fail, not panic.
	require.NoError(t, srv.Stop())
	assert.False(t, srv.Respond(client.LocalAddr().(*net.UDPAddr), payload))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBuildURLParts(t *testing.T) {
	base, suffix := buildURLParts(&config.UpstreamConfig{
		Endpoint:    "https://dns.example.net/d",
		NameParam:   "dn",
		SubnetParam: "ip",
	})
	assert.Equal(t, "https://dns.example.net/d?dn=", base)
	assert.Empty(t, suffix)

	base, suffix = buildURLParts(&config.UpstreamConfig{
		Endpoint:         "https://dns.example.net/d?key=abc",
		NameParam:        "name",
		SubnetParam:      "edns_client_subnet",
		EDNSClientSubnet: "192.0.2.0/24",
	})
	assert.Equal(t, "https://dns.example.net/d?key=abc&name=", base)
	assert.Equal(t, "&edns_client_subnet=192.0.2.0%2F24", suffix)
}
