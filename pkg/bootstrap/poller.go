// Package bootstrap resolves the DoH upstream hostname through a fixed list
// of bootstrap DNS servers, never through the relay itself, so the gateway's
// own upstream lookup cannot depend on the service it provides.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"doh-relay/pkg/config"
	"doh-relay/pkg/logging"
	"doh-relay/pkg/telemetry"

	"github.com/miekg/dns"
)

// Resolution is one published snapshot of the upstream's addresses. It is
// immutable once published; readers always see either the previous snapshot
// or the new one, never a partial update.
type Resolution struct {
	Hostname  string
	Addrs     []netip.Addr
	FetchedAt time.Time
}

// LookupFunc resolves hostname A records against one bootstrap server.
type LookupFunc func(ctx context.Context, hostname, server string) ([]netip.Addr, error)

// Poller periodically re-resolves the upstream hostname. A failed refresh
// never erases a previously published resolution; consumers keep using the
// stale address set until a fresh one lands.
type Poller struct {
	hostname string
	servers  []string
	interval time.Duration
	timeout  time.Duration
	static   bool
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	lookup   LookupFunc

	current atomic.Pointer[Resolution]
}

// New creates a poller for the given upstream hostname. Bootstrap servers
// without an explicit port get :53. If the hostname is already an IP literal
// the poller publishes it directly and never issues lookups.
func New(hostname string, cfg *config.BootstrapConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Poller {
	servers := make([]string, len(cfg.Servers))
	for i, server := range cfg.Servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			servers[i] = net.JoinHostPort(server, "53")
		} else {
			servers[i] = server
		}
	}

	p := &Poller{
		hostname: hostname,
		servers:  servers,
		interval: cfg.RefreshInterval,
		timeout:  cfg.Timeout,
		logger:   logger,
		metrics:  metrics,
	}
	p.lookup = p.lookupA

	if addr, err := netip.ParseAddr(hostname); err == nil {
		p.static = true
		p.current.Store(&Resolution{
			Hostname:  hostname,
			Addrs:     []netip.Addr{addr},
			FetchedAt: time.Now(),
		})
		logger.Info("Upstream endpoint is an IP literal, bootstrap resolution disabled",
			"address", hostname,
		)
	}

	return p
}

// Addrs returns the most recent successful address set, or nil when no
// resolution has succeeded yet.
func (p *Poller) Addrs() []netip.Addr {
	res := p.current.Load()
	if res == nil {
		return nil
	}
	return res.Addrs
}

// Resolution returns the current snapshot, or nil before the first success.
func (p *Poller) Resolution() *Resolution {
	return p.current.Load()
}

// Refresh runs one resolution pass: servers are tried in listed order and the
// first answer wins. On total failure the previous snapshot stays published.
func (p *Poller) Refresh(ctx context.Context) error {
	if p.static {
		return nil
	}

	var lastErr error
	for _, server := range p.servers {
		lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
		addrs, err := p.lookup(lookupCtx, p.hostname, server)
		cancel()

		if err != nil {
			lastErr = err
			p.logger.Warn("Bootstrap resolution attempt failed",
				"hostname", p.hostname,
				"server", server,
				"error", err,
			)
			continue
		}
		if len(addrs) == 0 {
			lastErr = fmt.Errorf("no A records for %s from %s", p.hostname, server)
			continue
		}

		p.current.Store(&Resolution{
			Hostname:  p.hostname,
			Addrs:     addrs,
			FetchedAt: time.Now(),
		})
		if p.metrics != nil {
			p.metrics.BootstrapRefreshes.Add(ctx, 1)
		}
		p.logger.Debug("Bootstrap resolution refreshed",
			"hostname", p.hostname,
			"server", server,
			"addresses", addrs,
		)
		return nil
	}

	if p.metrics != nil {
		p.metrics.BootstrapFailures.Add(ctx, 1)
	}
	if lastErr == nil {
		lastErr = errors.New("no bootstrap servers configured")
	}
	if p.current.Load() != nil {
		p.logger.Warn("Bootstrap resolution failed, keeping stale addresses",
			"hostname", p.hostname,
			"error", lastErr,
		)
	} else {
		p.logger.Warn("Bootstrap resolution failed, no addresses known yet",
			"hostname", p.hostname,
			"error", lastErr,
		)
	}
	return fmt.Errorf("all bootstrap servers failed: %w", lastErr)
}

// Run refreshes once immediately and then on every interval tick until ctx is
// cancelled. Static (IP literal) endpoints return right away.
func (p *Poller) Run(ctx context.Context) {
	if p.static {
		return
	}

	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("Initial bootstrap resolution failed, will retry",
			"hostname", p.hostname,
			"interval", p.interval,
		)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

// lookupA issues a plain UDP A query against one bootstrap server.
func (p *Poller) lookupA(ctx context.Context, hostname, server string) ([]netip.Addr, error) {
	client := &dns.Client{Net: "udp", Timeout: p.timeout}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("bootstrap server %s returned %s", server, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
