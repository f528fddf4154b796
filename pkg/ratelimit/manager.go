// Package ratelimit tracks per-client token buckets so a single chatty
// client cannot monopolize the upstream.
package ratelimit

import (
	"sync"
	"time"

	"doh-relay/pkg/config"
	"doh-relay/pkg/logging"

	"golang.org/x/time/rate"
)

// Manager enforces per-client rate limiting using token buckets. A nil
// Manager allows everything, so callers never need an enabled check.
type Manager struct {
	cfg    *config.RateLimitConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh chan struct{}
	now    func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewManager creates a rate limit manager when rate limiting is enabled.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*clientLimiter, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}

	return m
}

// Allow reports whether the client may proceed.
func (m *Manager) Allow(clientIP string) bool {
	if m == nil || clientIP == "" {
		return true
	}

	entry := m.getLimiter(clientIP)
	allowed := entry.limiter.Allow()
	m.touch(entry)
	return allowed
}

// Stop terminates the background cleanup goroutine.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > m.cfg.CleanupInterval {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) getLimiter(clientIP string) *clientLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.clients[clientIP]; ok {
		return entry
	}

	if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
		m.evictOldestLocked()
	}

	entry := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst),
		lastSeen: m.now(),
	}
	m.clients[clientIP] = entry
	return entry
}

func (m *Manager) touch(entry *clientLimiter) {
	m.mu.Lock()
	entry.lastSeen = m.now()
	m.mu.Unlock()
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}
