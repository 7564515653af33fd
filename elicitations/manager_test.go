package elicitations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(m.Close)
	return m
}

func TestCreateIDsAreUnique(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	const n = 1000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := m.Create("s1", "in progress")
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate elicitation ID %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestCreateInitialState(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "collecting token")
	rec, ok := m.Get(id)
	if !ok {
		t.Fatalf("record not found after create")
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending", rec.Status)
	}
	if rec.Progress != 0 {
		t.Fatalf("progress = %d, want 0", rec.Progress)
	}
	if rec.SessionID != "s1" {
		t.Fatalf("session = %q, want s1", rec.SessionID)
	}
	if rec.Message != "collecting token" {
		t.Fatalf("message = %q", rec.Message)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}
}

func TestCompleteCollectsToken(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	m.Complete(id, "done", "ghp_abc")

	tok, ok := m.CollectedToken(id)
	if !ok || tok != "ghp_abc" {
		t.Fatalf("CollectedToken = %q, %v; want ghp_abc, true", tok, ok)
	}
	rec, _ := m.Get(id)
	if rec.Status != StatusComplete || rec.Message != "done" || rec.Progress != 1 {
		t.Fatalf("unexpected record after complete: %+v", rec)
	}
}

func TestCompleteWithoutTokenYieldsNoSecret(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	m.Complete(id, "approved out of band", "")

	if _, ok := m.CollectedToken(id); ok {
		t.Fatalf("CollectedToken returned a value for a tokenless complete")
	}
	rec, _ := m.Get(id)
	if rec.Status != StatusComplete {
		t.Fatalf("status = %q, want complete", rec.Status)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	transitions := map[string]func(m *Manager, id string){
		"complete": func(m *Manager, id string) { m.Complete(id, "", "ghp_x") },
		"accept":   func(m *Manager, id string) { m.Accept(id, "") },
		"decline":  func(m *Manager, id string) { m.Decline(id, "") },
		"cancel":   func(m *Manager, id string) { m.Cancel(id, "") },
	}
	for first, fn := range transitions {
		t.Run(first, func(t *testing.T) {
			t.Parallel()
			m := newTestManager(t)
			id := m.Create("s1", "in progress")
			fn(m, id)

			before, _ := m.Get(id)
			for _, again := range transitions {
				again(m, id)
			}
			m.UpdateProgress(id, "late update")

			after, _ := m.Get(id)
			if after.Status != before.Status {
				t.Fatalf("status changed after terminal: %q -> %q", before.Status, after.Status)
			}
			if after.Progress != before.Progress {
				t.Fatalf("progress changed after terminal: %d -> %d", before.Progress, after.Progress)
			}
		})
	}
}

func TestTokenIsolationOnBinaryOutcomes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	for _, fn := range []func(id string){
		func(id string) { m.Accept(id, "portal accepted") },
		func(id string) { m.Decline(id, "portal declined") },
		func(id string) { m.Cancel(id, "portal cancelled") },
	} {
		id := m.Create("s1", "in progress")
		fn(id)
		// Late complete trying to smuggle a token onto the resolved record.
		m.Complete(id, "smuggle", "ghp_smuggled")
		if tok, ok := m.CollectedToken(id); ok {
			t.Fatalf("token %q leaked through a binary-outcome record", tok)
		}
	}
}

func TestSingleResolutionUnderRace(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")

	done, ok := m.Resolved(id)
	if !ok {
		t.Fatalf("Resolved: record missing")
	}

	var wg sync.WaitGroup
	racers := []func(){
		func() { m.Complete(id, "", "ghp_a") },
		func() { m.Accept(id, "") },
		func() { m.Decline(id, "") },
		func() { m.Cancel(id, "") },
	}
	for i := 0; i < 16; i++ {
		for _, r := range racers {
			wg.Add(1)
			go func(r func()) {
				defer wg.Done()
				r()
			}(r)
		}
	}
	wg.Wait()

	select {
	case <-done:
	default:
		t.Fatalf("bridge never resolved")
	}

	rec, _ := m.Get(id)
	if !rec.Status.Terminal() {
		t.Fatalf("status = %q, want terminal", rec.Status)
	}
	// Exactly one transition committed.
	if rec.Progress != 1 {
		t.Fatalf("progress = %d, want 1 (one winner)", rec.Progress)
	}
}

func TestTTLEvictionIgnoresStatus(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, WithTTL(80*time.Millisecond), WithSweepInterval(20*time.Millisecond))

	pending := m.Create("s1", "never resolved")
	resolved := m.Create("s1", "resolved but unread")
	m.Complete(resolved, "done", "ghp_abc")

	if _, ok := m.Get(pending); !ok {
		t.Fatalf("record evicted before TTL")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, okPending := m.Get(pending)
		_, okResolved := m.Get(resolved)
		if !okPending && !okResolved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("records still present after TTL + sweep interval")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	last := 0
	for i := 0; i < 5; i++ {
		m.UpdateProgress(id, "")
		rec, _ := m.Get(id)
		if rec.Progress <= last {
			t.Fatalf("progress not strictly increasing: %d -> %d", last, rec.Progress)
		}
		last = rec.Progress
	}
	m.Complete(id, "", "")
	rec, _ := m.Get(id)
	if rec.Progress != last+1 {
		t.Fatalf("progress after complete = %d, want %d", rec.Progress, last+1)
	}
}

func TestProgressNotifications(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	type event struct {
		token           any
		progress, total int
		message         string
	}
	var mu sync.Mutex
	var events []event

	id := m.Create("s1", "in progress")
	m.AttachProgress(id, "tok-1", func(token any, progress, total int, message string) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{token, progress, total, message})
		return nil
	})

	m.UpdateProgress(id, "waiting for form")
	m.Complete(id, "done", "ghp_abc")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].token != "tok-1" || events[0].progress != 1 || events[0].total != 0 || events[0].message != "waiting for form" {
		t.Fatalf("unexpected intermediate event: %+v", events[0])
	}
	if events[1].progress != 2 || events[1].total != 2 || events[1].message != "done" {
		t.Fatalf("final event must carry total = progress: %+v", events[1])
	}
}

func TestProgressObservationIsMonotonic(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")

	type event struct{ progress, total int }
	var mu sync.Mutex
	var observed []event
	m.AttachProgress(id, "tok-1", func(_ any, progress, total int, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, event{progress, total})
		return nil
	})

	// Racing form loads and a submission must never show the consumer a
	// progress value lower than one it already saw.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.UpdateProgress(id, "form visited")
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Complete(id, "done", "ghp_abc")
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(observed) == 0 {
		t.Fatalf("no events delivered")
	}
	for i := 1; i < len(observed); i++ {
		if observed[i].progress <= observed[i-1].progress {
			t.Fatalf("progress regressed at %d: %+v", i, observed)
		}
	}

	// The resolving transition's event is the last one delivered and
	// carries total = progress.
	rec, _ := m.Get(id)
	last := observed[len(observed)-1]
	if last.progress != rec.Progress || last.total != rec.Progress {
		t.Fatalf("final event %+v, want progress=total=%d", last, rec.Progress)
	}
}

func TestNotificationFailureDoesNotAffectState(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	m.AttachProgress(id, "tok-1", func(any, int, int, string) error {
		return errors.New("transport gone")
	})

	m.Complete(id, "done", "ghp_abc")

	rec, _ := m.Get(id)
	if rec.Status != StatusComplete {
		t.Fatalf("status = %q, want complete despite notify failure", rec.Status)
	}
	if tok, ok := m.CollectedToken(id); !ok || tok != "ghp_abc" {
		t.Fatalf("token lost after notify failure")
	}
}

func TestDeclineIsIdempotent(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	m.Decline(id, "user said no")

	if _, ok := m.CollectedToken(id); ok {
		t.Fatalf("declined record yielded a token")
	}
	first, _ := m.Get(id)
	m.Decline(id, "again")
	second, _ := m.Get(id)
	if second.Progress != first.Progress {
		t.Fatalf("repeated decline changed progress: %d -> %d", first.Progress, second.Progress)
	}
	if second.Message != first.Message {
		t.Fatalf("repeated decline changed message: %q -> %q", first.Message, second.Message)
	}
}

func TestRelaxedTrustAuthCache(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	m.Accept(id, "portal accepted")

	if m.IsAuthenticated("s1", "github") {
		t.Fatalf("authenticated before mark")
	}
	m.MarkAuthenticated("s1", "github", id)
	if !m.IsAuthenticated("s1", "github") {
		t.Fatalf("not authenticated after mark")
	}
	if m.IsAuthenticated("s2", "github") || m.IsAuthenticated("s1", "gitlab") {
		t.Fatalf("grant leaked across session or service boundary")
	}
	m.ClearAuthenticated("s1", "github")
	if m.IsAuthenticated("s1", "github") {
		t.Fatalf("still authenticated after clear")
	}
	// Clearing an absent entry is a no-op.
	m.ClearAuthenticated("s1", "github")
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if _, ok := m.Get("no-such-id"); ok {
		t.Fatalf("lookup on never-created ID succeeded")
	}
	// None of these may panic or create state.
	m.UpdateProgress("no-such-id", "msg")
	m.Complete("no-such-id", "msg", "ghp_x")
	m.Accept("no-such-id", "msg")
	m.Decline("no-such-id", "msg")
	m.Cancel("no-such-id", "msg")
	m.AttachProgress("no-such-id", "tok", nil)
	if _, ok := m.CollectedToken("no-such-id"); ok {
		t.Fatalf("token for unknown ID")
	}
	if _, ok := m.Get("no-such-id"); ok {
		t.Fatalf("no-op operations materialized a record")
	}
}

func TestAwaitWakesOnResolve(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Await(context.Background(), id)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Accept(id, "portal accepted")

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Await did not wake after resolve")
	}

	rec, _ := m.Get(id)
	if rec.Status != StatusAccepted {
		t.Fatalf("status after wake = %q, want accepted", rec.Status)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := m.Create("s1", "in progress")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := m.Await(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await = %v, want deadline exceeded", err)
	}
	// Abandoned record is still pending; the reaper owns its cleanup.
	rec, _ := m.Get(id)
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending after abandoned wait", rec.Status)
	}
}

func TestAwaitUnknownID(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.Await(context.Background(), "no-such-id"); err == nil {
		t.Fatalf("Await on unknown ID succeeded")
	}
}

func TestTokenForSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	other := m.Create("s2", "other session")
	m.Complete(other, "", "ghp_other")

	if _, ok := m.TokenForSession("s1"); ok {
		t.Fatalf("token from another session leaked")
	}

	id := m.Create("s1", "in progress")
	m.Complete(id, "", "ghp_mine")

	tok, ok := m.TokenForSession("s1")
	if !ok || tok != "ghp_mine" {
		t.Fatalf("TokenForSession = %q, %v; want ghp_mine, true", tok, ok)
	}
}

func TestURLModes(t *testing.T) {
	t.Parallel()

	local := newTestManager(t, WithBaseURL("http://example.test:9000"))
	id := local.Create("s1", "in progress")
	want := "http://example.test:9000/github-token-form?id=" + id
	if got := local.URL(id); got != want {
		t.Fatalf("URL = %q, want %q", got, want)
	}

	portal := newTestManager(t, WithPortalURL("https://portal.example.com/elicit"))
	id = portal.Create("s1", "in progress")
	if got := portal.URL(id); got != "https://portal.example.com/elicit" {
		t.Fatalf("portal URL = %q", got)
	}
}
