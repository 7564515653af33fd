package elicitations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTTL           = 1 * time.Hour
	defaultSweepInterval = 10 * time.Minute
	defaultBaseURL       = "http://localhost:8000"
)

// Manager owns every pending and resolved elicitation for the process. It is
// constructed once at startup and shared by the tool invocation path and the
// inbound HTTP handlers. All methods are safe for concurrent use.
type Manager struct {
	log           *slog.Logger
	ttl           time.Duration
	sweepInterval time.Duration
	portalURL     string
	baseURL       string

	mu      sync.Mutex
	records map[string]*record

	authMu sync.Mutex
	auth   map[authKey]AuthEntry

	stopSweep chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for state-transition diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTTL overrides how long a record survives after creation, regardless of
// its status.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSweepInterval overrides how often expired records are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithPortalURL routes users to an externally operated portal instead of the
// local token form. The portal resolves elicitations via the callback
// endpoint and never submits raw tokens to this process.
func WithPortalURL(u string) Option {
	return func(m *Manager) { m.portalURL = u }
}

// WithBaseURL sets the externally reachable base URL embedded in local token
// form links.
func WithBaseURL(u string) Option {
	return func(m *Manager) {
		if u != "" {
			m.baseURL = u
		}
	}
}

// NewManager constructs a Manager and starts its eviction sweep. Call Close
// to stop the sweep on shutdown.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:           slog.Default(),
		ttl:           defaultTTL,
		sweepInterval: defaultSweepInterval,
		baseURL:       defaultBaseURL,
		records:       make(map[string]*record),
		auth:          make(map[authKey]AuthEntry),
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	go m.sweepLoop()
	return m
}

// Close stops the background eviction sweep. It does not resolve or discard
// outstanding records.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stopSweep) })
}

// Create inserts a new pending record owned by sessionID and returns its ID.
func (m *Manager) Create(sessionID, message string) string {
	id := uuid.NewString()
	rec := &record{
		id:        id,
		sessionID: sessionID,
		createdAt: time.Now(),
		status:    StatusPending,
		message:   message,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()

	m.log.Info("elicitation.create",
		slog.String("elicitation_id", id),
		slog.String("session_id", sessionID))
	return id
}

// Get returns a snapshot of the record, if it exists.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		m.log.Warn("elicitation.unknown", slog.String("elicitation_id", id))
		return Record{}, false
	}
	return rec.snapshot(), true
}

// AttachProgress wires the originating transport's progress channel to the
// record. Subsequent transitions emit progress events through fn.
func (m *Manager) AttachProgress(id string, progressToken any, fn ProgressFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		m.log.Warn("elicitation.attach.unknown", slog.String("elicitation_id", id))
		return
	}
	rec.progressToken = progressToken
	rec.notify = fn
}

// UpdateProgress bumps the record's progress counter, optionally replacing
// its message, and emits a progress event if a channel is attached. Unknown
// or already-terminal records are logged no-ops.
func (m *Manager) UpdateProgress(id, message string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("elicitation.update.unknown", slog.String("elicitation_id", id))
		return
	}
	if rec.status.Terminal() {
		status := rec.status
		m.mu.Unlock()
		m.log.Warn("elicitation.update.already_processed",
			slog.String("elicitation_id", id),
			slog.String("status", string(status)))
		return
	}
	if message != "" {
		rec.message = message
	}
	rec.progress++
	ev := m.progressEvent(rec, 0)
	m.mu.Unlock()

	m.emit(id, ev)
}

// Complete resolves the record with an optionally collected token. This is
// the only transition that may carry a secret: a non-empty token marks the
// record validated and makes it readable through CollectedToken.
func (m *Manager) Complete(id, message, token string) {
	m.resolve(id, StatusComplete, message, token)
}

// Accept resolves the record as approved by an external portal. No token is
// carried; in relaxed-trust deployments the caller marks the session
// authenticated instead.
func (m *Manager) Accept(id, message string) {
	m.resolve(id, StatusAccepted, message, "")
}

// Decline resolves the record as refused by the user.
func (m *Manager) Decline(id, message string) {
	m.resolve(id, StatusDeclined, message, "")
}

// Cancel resolves the record as abandoned by the user.
func (m *Manager) Cancel(id, message string) {
	m.resolve(id, StatusCancelled, message, "")
}

// resolve commits the one-way transition out of pending. The status check
// and the state write happen under the same critical section, so exactly one
// of any number of racing callers wins; the rest observe a terminal status
// and no-op. The done channel closes with the winning transition.
func (m *Manager) resolve(id string, to Status, message, token string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("elicitation.resolve.unknown",
			slog.String("elicitation_id", id),
			slog.String("to", string(to)))
		return
	}
	if rec.status.Terminal() {
		status := rec.status
		m.mu.Unlock()
		m.log.Warn("elicitation.resolve.already_processed",
			slog.String("elicitation_id", id),
			slog.String("status", string(status)),
			slog.String("to", string(to)))
		return
	}

	rec.status = to
	if message != "" {
		rec.message = message
	}
	if to == StatusComplete && token != "" {
		rec.collectedToken = token
		rec.tokenValidated = true
	}
	rec.progress++
	ev := m.progressEvent(rec, rec.progress)
	close(rec.done)
	m.mu.Unlock()

	m.log.Info("elicitation.resolve",
		slog.String("elicitation_id", id),
		slog.String("status", string(to)),
		slog.Bool("token_collected", token != ""))
	m.emit(id, ev)
}

// progressDelivery captures everything needed to notify outside the lock.
type progressDelivery struct {
	rec      *record
	notify   ProgressFunc
	token    any
	progress int
	total    int
	message  string
}

// progressEvent snapshots the record's state for delivery. Returns nil when
// no channel is attached. Caller must hold m.mu.
func (m *Manager) progressEvent(rec *record, total int) *progressDelivery {
	if rec.notify == nil {
		return nil
	}
	return &progressDelivery{
		rec:      rec,
		notify:   rec.notify,
		token:    rec.progressToken,
		progress: rec.progress,
		total:    total,
		message:  rec.message,
	}
}

// emit delivers a progress event, best effort. Delivery is serialized per
// record and events that lost the race to a later one are dropped, so a
// consumer observes progress values in strictly increasing order.
func (m *Manager) emit(id string, ev *progressDelivery) {
	if ev == nil {
		return
	}
	ev.rec.emitMu.Lock()
	defer ev.rec.emitMu.Unlock()
	if ev.progress <= ev.rec.emitted {
		return
	}
	ev.rec.emitted = ev.progress
	if err := ev.notify(ev.token, ev.progress, ev.total, ev.message); err != nil {
		m.log.Warn("elicitation.notify.fail",
			slog.String("elicitation_id", id),
			slog.String("err", err.Error()))
	}
}

// CollectedToken returns the token gathered by a complete transition. It is
// the sole read path for secrets: records in any other terminal state, and
// complete records whose token was never validated, yield nothing.
func (m *Manager) CollectedToken(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.status != StatusComplete || !rec.tokenValidated {
		return "", false
	}
	return rec.collectedToken, true
}

// TokenForSession scans for an existing validated token belonging to the
// session, so a second tool call can reuse a credential collected earlier in
// the same session.
func (m *Manager) TokenForSession(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.sessionID == sessionID && rec.status == StatusComplete && rec.tokenValidated {
			return rec.collectedToken, true
		}
	}
	return "", false
}

// PendingForSession returns the session's outstanding pending elicitation,
// if any. A retried tool call suspends on the existing flow instead of
// spawning a second one.
func (m *Manager) PendingForSession(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.records {
		if rec.sessionID == sessionID && rec.status == StatusPending {
			return id, true
		}
	}
	return "", false
}

// URL returns where the user must go to resolve the elicitation: the
// configured external portal when one is set, otherwise the local token form
// parameterized by ID.
func (m *Manager) URL(id string) string {
	if m.portalURL != "" {
		return m.portalURL
	}
	return fmt.Sprintf("%s/github-token-form?id=%s", m.baseURL, id)
}

// Resolved returns a channel that closes when the record leaves pending. The
// second result is false for unknown IDs.
func (m *Manager) Resolved(id string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.done, true
}

// Await blocks until the record resolves or ctx is done. Callers must
// re-fetch the record afterwards; the snapshot they held before suspending
// is stale by definition.
func (m *Manager) Await(ctx context.Context, id string) error {
	done, ok := m.Resolved(id)
	if !ok {
		return fmt.Errorf("unknown elicitation %q", id)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
