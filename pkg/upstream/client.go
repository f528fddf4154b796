// Package upstream issues the HTTPS fetches against the DoH endpoint. Dialing
// is pinned to the addresses published by the bootstrap poller; the system
// resolver is never consulted.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"doh-relay/pkg/config"
	"doh-relay/pkg/logging"
	"doh-relay/pkg/telemetry"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// maxBodySize caps an upstream answer body. Real answer bodies are tiny;
// anything close to this bound is garbage.
const maxBodySize = 64 * 1024

// ErrNoAddresses reports a fetch attempted before the bootstrap poller has
// published any upstream address. The fetch fails immediately instead of
// falling back to system resolution.
var ErrNoAddresses = errors.New("no resolved addresses for upstream")

// AddressSource supplies the current pinned address set. *bootstrap.Poller
// satisfies it.
type AddressSource interface {
	Addrs() []netip.Addr
}

// Client is the HTTPS engine. Every fetch is one GET; network errors,
// timeouts, TLS failures and bad HTTP statuses all collapse into a single
// error return, which is all the proxy core needs.
type Client struct {
	httpClient *http.Client
	source     AddressSource
	host       string
	logger     *logging.Logger
	metrics    *telemetry.Metrics
}

// New builds the engine from upstream configuration. The HTTP version switch
// selects between a TCP transport (HTTP/1.1 or HTTP/2) and a QUIC transport;
// all of them dial pinned addresses only.
func New(cfg *config.UpstreamConfig, source AddressSource, logger *logging.Logger, metrics *telemetry.Metrics) (*Client, error) {
	endpointURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	c := &Client{
		source:  source,
		host:    endpointURL.Hostname(),
		logger:  logger,
		metrics: metrics,
	}

	if cfg.HTTPVersion == "3" {
		c.httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http3.RoundTripper{
				TLSClientConfig: &tls.Config{},
				QuicConfig: &quic.Config{
					KeepAlivePeriod: 30 * time.Second,
					MaxIdleTimeout:  60 * time.Second,
				},
				Dial: c.dialQUIC,
			},
		}
		return c, nil
	}

	transport := &http.Transport{
		DialContext:           c.dialPinned,
		ForceAttemptHTTP2:     cfg.HTTPVersion == "2",
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.HTTPVersion == "1.1" {
		// An empty TLSNextProto map keeps the client from negotiating h2.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	return c, nil
}

// Fetch performs one GET against the upstream and returns the response body.
// It fails immediately when no pinned address is available yet.
func (c *Client) Fetch(ctx context.Context, fetchURL string) ([]byte, error) {
	if len(c.source.Addrs()) == 0 {
		return nil, ErrNoAddresses
	}

	if c.metrics != nil {
		c.metrics.UpstreamFetches.Add(ctx, 1)
		c.metrics.InflightFetches.Add(ctx, 1)
		defer c.metrics.InflightFetches.Add(ctx, -1)
	}

	start := time.Now()
	body, err := c.doFetch(ctx, fetchURL)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.FetchDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond))
		if err != nil {
			c.metrics.UpstreamFailures.Add(ctx, 1)
		}
	}
	return body, err
}

func (c *Client) doFetch(ctx context.Context, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", maxBodySize)
	}
	return body, nil
}

// dialPinned replaces the URL hostname with one of the pinned addresses. The
// TLS layer still verifies against the hostname because only the dial target
// changes, not the request URL.
func (c *Client) dialPinned(ctx context.Context, network, addr string) (net.Conn, error) {
	target, err := c.pinnedTarget(addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, target)
}

// dialQUIC is the pinned dial for the HTTP/3 transport.
func (c *Client) dialQUIC(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (quic.EarlyConnection, error) {
	target, err := c.pinnedTarget(addr)
	if err != nil {
		return nil, err
	}
	return quic.DialAddrEarly(ctx, target, tlsCfg, cfg)
}

// pinnedTarget maps "host:port" to "pinned-ip:port", choosing uniformly among
// the current address set. Only the upstream hostname is pinned; any other
// host on the wire (an HTTP proxy, an IP-literal endpoint) is dialed as-is.
func (c *Client) pinnedTarget(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid dial address %q: %w", addr, err)
	}

	if host != c.host {
		return addr, nil
	}

	// Already an IP (endpoint configured by address): dial it directly.
	if _, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	addrs := c.source.Addrs()
	if len(addrs) == 0 {
		return "", ErrNoAddresses
	}
	picked := addrs[rand.IntN(len(addrs))]
	return net.JoinHostPort(picked.String(), port), nil
}
