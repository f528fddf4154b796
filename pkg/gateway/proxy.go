package gateway

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"doh-relay/pkg/codec"
	"doh-relay/pkg/config"
	"doh-relay/pkg/storage"

	"github.com/miekg/dns"
)

// buildURLParts precomputes the pieces of the upstream request URL. Only the
// query name varies per request; the endpoint prefix and the optional EDNS
// subnet suffix are fixed for the process lifetime.
func buildURLParts(cfg *config.UpstreamConfig) (baseURL, subnetSuffix string) {
	sep := "?"
	if strings.Contains(cfg.Endpoint, "?") {
		sep = "&"
	}
	baseURL = cfg.Endpoint + sep + cfg.NameParam + "="

	if cfg.EDNSClientSubnet != "" {
		subnetSuffix = "&" + cfg.SubnetParam + "=" + url.QueryEscape(cfg.EDNSClientSubnet)
	}
	return baseURL, subnetSuffix
}

// queryURL builds the full upstream URL for one query name.
func (s *Server) queryURL(name string) string {
	return s.baseURL + url.QueryEscape(name) + s.subnetSuffix
}

// handleQuery runs the full proxy path for one datagram: decode, fetch,
// parse, encode, reply. Every failure is a silent drop toward the client;
// the only reply a client ever sees is a well-formed answer.
func (s *Server) handleQuery(ctx context.Context, raddr *net.UDPAddr, payload []byte) {
	start := time.Now()

	q, err := codec.DecodeQuery(payload)
	if err != nil {
		s.dropQuery(ctx, raddr, q, start, err)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Upstream.Timeout)
	defer cancel()

	body, err := s.fetcher.Fetch(fetchCtx, s.queryURL(q.Name))
	if err != nil {
		s.logger.Warn("Upstream fetch failed",
			"name", q.Name,
			"client", raddr.IP.String(),
			"error", err)
		s.dropQuery(ctx, raddr, q, start, nil)
		return
	}

	ans, err := codec.ParseAnswerBody(body, s.format)
	if err != nil {
		s.logger.Warn("Unparseable upstream body",
			"name", q.Name,
			"format", s.format.String(),
			"error", err)
		s.dropQuery(ctx, raddr, q, start, nil)
		return
	}

	resp, err := codec.EncodeResponse(q, ans, s.answerTTL)
	if err != nil {
		s.logger.Error("Failed to encode response", "name", q.Name, "error", err)
		s.dropQuery(ctx, raddr, q, start, nil)
		return
	}

	// Shutdown began while the fetch was in flight; the client retries
	// elsewhere, it does not get a late reply.
	if ctx.Err() != nil {
		return
	}

	if !s.Respond(raddr, resp) {
		return
	}

	if s.metrics != nil {
		s.metrics.RepliesSent.Add(ctx, 1)
	}
	s.logQuery(ctx, raddr, q, start, len(ans.Addrs), false)
}

// Respond sends one reply datagram to the client. Sends are best effort:
// a failure is logged at warn and never retried.
func (s *Server) Respond(raddr *net.UDPAddr, payload []byte) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	if _, err := conn.WriteToUDP(payload, raddr); err != nil {
		s.logger.Warn("Failed to send reply", "client", raddr.String(), "error", err)
		return false
	}
	return true
}

// dropQuery is the single exit for every discarded query. Malformed
// datagrams are logged at debug only; a gateway on an open port sees plenty
// of junk.
func (s *Server) dropQuery(ctx context.Context, raddr *net.UDPAddr, q *codec.Query, start time.Time, decodeErr error) {
	if s.metrics != nil {
		s.metrics.QueriesDropped.Add(ctx, 1)
	}

	if decodeErr != nil {
		s.logger.Debug("Dropping query",
			"client", raddr.IP.String(),
			"error", decodeErr)
		// An unsupported type still decoded far enough to be logged.
		if q == nil || !errors.Is(decodeErr, codec.ErrUnsupportedType) {
			return
		}
	}
	if q != nil {
		s.logQuery(ctx, raddr, q, start, 0, true)
	}
}

// logQuery records the query in storage when storage is enabled.
func (s *Server) logQuery(ctx context.Context, raddr *net.UDPAddr, q *codec.Query, start time.Time, answers int, dropped bool) {
	if s.store == nil {
		return
	}

	typeName, ok := dns.TypeToString[q.Type]
	if !ok {
		typeName = "UNKNOWN"
	}

	err := s.store.LogQuery(ctx, &storage.QueryLog{
		Timestamp:      start,
		ClientIP:       raddr.IP.String(),
		Domain:         q.Name,
		QueryType:      typeName,
		Upstream:       s.upstreamHost,
		AnswerCount:    answers,
		ResponseTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
		Dropped:        dropped,
	})
	if err != nil && !errors.Is(err, storage.ErrBufferFull) {
		s.logger.Debug("Failed to log query", "error", err)
	}
}
