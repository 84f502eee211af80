// Package externalcontext implements C9: the exactly-once start/terminate,
// idempotent-maintain lifecycle for a session's external loop handle.
//
// Grounded on the example SDK's ContextManager, an LRU-backed registry of
// opaque handles keyed by ID with explicit eviction callbacks. Here the
// hand-rolled container/list LRU is replaced with
// hashicorp/golang-lru/v2's generic Cache, which exposes an eviction
// callback via OnEvict — used to log a leak when a handle falls out of
// the registry without ever having been terminated (§4.9's "failure to
// invoke terminate is a leak... must log and report it").
package externalcontext

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/metrics"
)

// handle is the bookkeeping record for one active external loop.
type handle struct {
	loopID      string
	terminated  bool
}

// Manager owns the registry of active external-context handles (§4.9).
type Manager struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *handle]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Manager holding up to maxHandles concurrently-active
// external loop handles. Handles evicted while still active are logged
// and counted as leaks (§4.9, §12 supplement's ExternalContextLeaks
// counter). m may be nil in tests that do not wire metrics.
func New(maxHandles int, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxHandles <= 0 {
		maxHandles = 1024
	}
	mgr := &Manager{logger: logger, metrics: m}

	cache, err := lru.NewWithEvict(maxHandles, func(loopID string, h *handle) {
		if h != nil && !h.terminated {
			mgr.logger.Warn("external context handle evicted without terminate", zap.String("loop_id", loopID))
			if mgr.metrics != nil {
				mgr.metrics.ExternalContextLeaks.Inc()
			}
		}
	})
	if err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "cannot construct external context registry").WithCause(err)
	}
	mgr.cache = cache
	return mgr, nil
}

// Start registers a new handle for loopID. Calling Start twice for the
// same loopID without an intervening Terminate is a programming error
// surfaced as ContextLifecycleError (§4.9's "exactly once").
func (m *Manager) Start(ctx context.Context, loopID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.cache.Get(loopID); ok && !existing.terminated {
		return "", apperrors.New(apperrors.KindContextLifecycle, "external context already started for loop "+loopID)
	}

	m.cache.Add(loopID, &handle{loopID: loopID})
	return loopID, nil
}

// Maintain is idempotent liveness/bookkeeping touch for an active handle
// (§4.9). It is not an error to call Maintain for a loopID that was
// never started; it simply records the handle as active so a later
// Terminate is not treated as a double-terminate.
func (m *Manager) Maintain(ctx context.Context, loopID, handleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.cache.Get(loopID); ok {
		_ = h
		return nil
	}
	m.cache.Add(loopID, &handle{loopID: loopID})
	return nil
}

// Terminate marks loopID's handle terminated (§4.9). Idempotent: a
// second Terminate for an already-terminated or unknown handle is a
// no-op.
func (m *Manager) Terminate(ctx context.Context, loopID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.cache.Get(loopID)
	if !ok {
		m.cache.Add(loopID, &handle{loopID: loopID, terminated: true})
		return nil
	}
	h.terminated = true
	m.logger.Debug("external context terminated", zap.String("loop_id", loopID), zap.String("reason", reason))
	return nil
}

// Active reports whether loopID currently has a live, unterminated
// handle.
func (m *Manager) Active(loopID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.cache.Get(loopID)
	return ok && !h.terminated
}

// Len reports the number of handles currently tracked, for metrics and
// tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}
