// Package elicitations tracks out-of-band credential collection flows. A
// tool invocation that needs a GitHub token but has none creates an
// elicitation, hands the user a URL, and suspends. A later, unrelated HTTP
// request (the token form submission or an external portal callback)
// resolves the elicitation by ID and wakes the suspended invocation.
//
// Lifecycle
//
//	pending -> complete | accepted | declined | cancelled
//
// All non-pending states are terminal. Repeated transition attempts on a
// terminal record are logged no-ops; the wake-up fires exactly once per
// record. Records are never deleted explicitly; a background sweep evicts
// them once they outlive the configured TTL, whatever their status, so
// abandoned flows cannot grow memory without bound.
//
// Tokens live only in process memory. The sole read path for a collected
// token is Manager.CollectedToken, which yields a value only for records
// that reached complete with a validated token. Records resolved via
// accept, decline or cancel can never carry one.
package elicitations

import (
	"sync"
	"time"
)

// Status is the lifecycle state of an elicitation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusComplete  Status = "complete"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool { return s != StatusPending }

// Record is a point-in-time snapshot of an elicitation. Callers that read a
// snapshot before suspending must re-fetch after waking; the live state may
// have changed concurrently.
type Record struct {
	ID        string
	SessionID string
	Status    Status
	Message   string
	Progress  int
	CreatedAt time.Time
}

// ProgressFunc delivers a progress event to the transport that originated
// the elicitation. total is zero for intermediate updates and equals
// progress for the final event. Errors are logged by the manager and never
// affect record state.
type ProgressFunc func(progressToken any, progress, total int, message string) error

// record is the live, mutable state behind a Record snapshot. All access
// goes through the owning Manager.
type record struct {
	id        string
	sessionID string
	createdAt time.Time

	// guarded by Manager.mu
	status         Status
	message        string
	progress       int
	collectedToken string
	tokenValidated bool
	progressToken  any
	notify         ProgressFunc

	// closed exactly once, when the record leaves pending
	done chan struct{}

	// emitMu serializes event delivery for this record; emitted is the
	// highest progress value handed to the consumer, guarded by emitMu.
	emitMu  sync.Mutex
	emitted int
}

func (r *record) snapshot() Record {
	return Record{
		ID:        r.id,
		SessionID: r.sessionID,
		Status:    r.status,
		Message:   r.message,
		Progress:  r.progress,
		CreatedAt: r.createdAt,
	}
}
