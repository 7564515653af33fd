package elicitations

import (
	"log/slog"
	"time"
)

// sweepLoop evicts expired records on a fixed cadence until Close is called.
func (m *Manager) sweepLoop() {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

// sweepExpired removes every record older than the TTL. Status is
// irrelevant: a terminal record whose result was never read back expires the
// same way an abandoned pending one does.
func (m *Manager) sweepExpired() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, rec := range m.records {
		if rec.createdAt.Before(cutoff) {
			expired = append(expired, id)
			delete(m.records, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Info("elicitation.expire", slog.String("elicitation_id", id))
	}
}
