// Package credential decides how a tool invocation obtains a GitHub
// credential: static configuration first, then a token already collected for
// the session, then the relaxed-trust session grant, and only then a fresh
// elicitation that suspends the call until the user acts.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenantly/github-mcp/elicitations"
)

// ServiceGitHub keys relaxed-trust grants in the session auth cache.
const ServiceGitHub = "github"

// Credential is the outcome of a successful resolution. Tokenless means the
// session is attested as authenticated and a downstream gateway injects the
// real secret; callers must not send an Authorization header themselves.
type Credential struct {
	Token     string
	Tokenless bool
}

// PendingError reports that an elicitation is underway and the tool call
// should be retried once the user has acted on the URL.
type PendingError struct {
	ElicitationID string
	URL           string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("github authorization pending: visit %s (elicitation %s)", e.URL, e.ElicitationID)
}

var (
	// ErrDeclined is a user refusal; never retried automatically.
	ErrDeclined = errors.New("github access declined by user")
	// ErrCancelled is a user abandonment; never retried automatically.
	ErrCancelled = errors.New("github access cancelled by user")
	// ErrNoCredential means the flow resolved positively but produced
	// nothing usable (accepted outside relaxed-trust mode).
	ErrNoCredential = errors.New("elicitation resolved without a usable credential")
)

// Resolver owns the per-call credential policy. It is shared by every tool
// handler and safe for concurrent use.
type Resolver struct {
	mgr         *elicitations.Manager
	log         *slog.Logger
	staticToken string
	tokenFile   *TokenFile
	insecure    bool
	waitTimeout time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithStaticToken supplies a process-wide configured token. When set, the
// elicitation machinery is never engaged.
func WithStaticToken(tok string) ResolverOption {
	return func(r *Resolver) { r.staticToken = tok }
}

// WithTokenFile adds a watched on-disk token source, consulted after the
// static token.
func WithTokenFile(tf *TokenFile) ResolverOption {
	return func(r *Resolver) { r.tokenFile = tf }
}

// WithInsecure enables relaxed-trust mode: a session marked authenticated
// proceeds without any raw token in this process.
func WithInsecure(insecure bool) ResolverOption {
	return func(r *Resolver) { r.insecure = insecure }
}

// WithWaitTimeout bounds how long a tool call blocks on a fresh elicitation
// before returning the pending result. Zero means don't block at all.
func WithWaitTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.waitTimeout = d }
}

// NewResolver builds a Resolver around the elicitation manager.
func NewResolver(mgr *elicitations.Manager, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		mgr: mgr,
		log: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve runs the policy for one tool call. progressToken and notify, when
// non-nil, are attached to any elicitation this call creates so the caller's
// transport receives progress events.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, progressToken any, notify elicitations.ProgressFunc) (Credential, error) {
	// 1. Static configuration wins outright.
	if r.staticToken != "" {
		return Credential{Token: r.staticToken}, nil
	}
	if r.tokenFile != nil {
		if tok := r.tokenFile.Token(); tok != "" {
			return Credential{Token: tok}, nil
		}
	}

	// 2. A token already collected for this session.
	if tok, ok := r.mgr.TokenForSession(sessionID); ok {
		r.log.Info("credential.reuse", slog.String("session_id", sessionID))
		return Credential{Token: tok}, nil
	}

	// 3. Relaxed trust: the session was attested, the gateway injects.
	if r.insecure && r.mgr.IsAuthenticated(sessionID, ServiceGitHub) {
		return Credential{Tokenless: true}, nil
	}

	// 4. Suspend on the session's outstanding flow, or start a fresh one.
	id, found := r.mgr.PendingForSession(sessionID)
	if !found {
		id = r.mgr.Create(sessionID, "GitHub access token required")
	}
	if notify != nil {
		r.mgr.AttachProgress(id, progressToken, notify)
	}
	url := r.mgr.URL(id)

	if r.waitTimeout <= 0 {
		return Credential{}, &PendingError{ElicitationID: id, URL: url}
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()
	if err := r.mgr.Await(waitCtx, id); err != nil {
		if ctx.Err() != nil {
			// The surrounding call was cancelled; the record is
			// abandoned to the eviction sweep.
			return Credential{}, ctx.Err()
		}
		return Credential{}, &PendingError{ElicitationID: id, URL: url}
	}

	// The snapshot taken before suspending is stale; re-fetch.
	rec, ok := r.mgr.Get(id)
	if !ok {
		return Credential{}, fmt.Errorf("token collection failed: elicitation %s expired", id)
	}

	switch rec.Status {
	case elicitations.StatusComplete:
		if tok, ok := r.mgr.CollectedToken(id); ok {
			return Credential{Token: tok}, nil
		}
		// Completed out of band with no raw token: the gateway holds
		// the credential, this session is attested.
		r.mgr.MarkAuthenticated(sessionID, ServiceGitHub, id)
		return Credential{Tokenless: true}, nil
	case elicitations.StatusAccepted:
		// Accepted records never carry a token; only complete does.
		if r.insecure {
			r.mgr.MarkAuthenticated(sessionID, ServiceGitHub, id)
			return Credential{Tokenless: true}, nil
		}
		return Credential{}, ErrNoCredential
	case elicitations.StatusDeclined:
		return Credential{}, ErrDeclined
	case elicitations.StatusCancelled:
		return Credential{}, ErrCancelled
	default:
		return Credential{}, &PendingError{ElicitationID: id, URL: url}
	}
}
