package elicitations

import (
	"log/slog"
	"time"
)

// authKey scopes an authentication grant to one service within one session.
type authKey struct {
	SessionID string
	Service   string
}

// AuthEntry records that a session was attested as authenticated for a
// service, and by which elicitation. Entries exist only in relaxed-trust
// deployments, where a downstream gateway injects the actual credential and
// this process never sees it.
type AuthEntry struct {
	Authenticated   bool
	ElicitationID   string
	AuthenticatedAt time.Time
}

// IsAuthenticated reports whether the session holds a grant for the service.
func (m *Manager) IsAuthenticated(sessionID, service string) bool {
	m.authMu.Lock()
	defer m.authMu.Unlock()
	return m.auth[authKey{sessionID, service}].Authenticated
}

// MarkAuthenticated records a grant for (session, service), keyed back to
// the elicitation that produced it. Upserts: a later grant replaces an
// earlier one.
func (m *Manager) MarkAuthenticated(sessionID, service, elicitationID string) {
	m.authMu.Lock()
	m.auth[authKey{sessionID, service}] = AuthEntry{
		Authenticated:   true,
		ElicitationID:   elicitationID,
		AuthenticatedAt: time.Now(),
	}
	m.authMu.Unlock()

	m.log.Info("session.auth.mark",
		slog.String("session_id", sessionID),
		slog.String("service", service),
		slog.String("elicitation_id", elicitationID))
}

// ClearAuthenticated drops the grant for (session, service), if any. The
// eviction sweep never touches these entries; this is their only removal
// path.
func (m *Manager) ClearAuthenticated(sessionID, service string) {
	m.authMu.Lock()
	_, ok := m.auth[authKey{sessionID, service}]
	delete(m.auth, authKey{sessionID, service})
	m.authMu.Unlock()

	if ok {
		m.log.Info("session.auth.clear",
			slog.String("session_id", sessionID),
			slog.String("service", service))
	}
}
