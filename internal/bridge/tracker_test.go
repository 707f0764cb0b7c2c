package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/mcpbridge/mcpbridge/internal/protocol"
)

// fakeSink records every response written to it.
type fakeSink struct {
	mu        sync.Mutex
	responses []protocol.Response
	failWrite bool
}

func (s *fakeSink) WriteResponse(resp protocol.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errClosedSink
	}
	s.responses = append(s.responses, resp)
	return nil
}

var errClosedSink = &closedSinkError{}

type closedSinkError struct{}

func (*closedSinkError) Error() string { return "sink closed" }

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *fakeSink) last() protocol.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return protocol.Response{}
	}
	return s.responses[len(s.responses)-1]
}

func newTestTracker() *Tracker {
	return NewTracker(TrackerOptions{Timeout: 180 * time.Second, SweepInterval: time.Hour})
}

func TestResolveRemovesExactlyOnce(t *testing.T) {
	tr := newTestTracker()
	sink := &fakeSink{}

	tr.Track("r1", sink)
	if tr.Len() != 1 {
		t.Fatalf("expected one pending request, got %d", tr.Len())
	}
	got, ok := tr.Resolve("r1")
	if !ok || got != sink {
		t.Fatalf("resolve should return the tracked sink")
	}
	if tr.Len() != 0 {
		t.Fatalf("tracker not empty after resolve")
	}

	// Double resolve is a no-op, not an error.
	if _, ok := tr.Resolve("r1"); ok {
		t.Fatalf("resolving a removed id should report absence")
	}

	tr.TrackInner("r2", "inner-7", sink)
	if _, ok := tr.Resolve("r2"); !ok {
		t.Fatalf("inner-tracked request not resolvable")
	}
}

func TestSweepTimesOutOverdueRequests(t *testing.T) {
	tr := newTestTracker()
	sink := &fakeSink{}

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Track("slow", sink)
	tr.Track("fresh", sink)

	// Age only the first request past the timeout.
	tr.mu.Lock()
	tr.pending["slow"].createdAt = base.Add(-181 * time.Second)
	tr.mu.Unlock()

	tr.sweep()
	if tr.Len() != 1 {
		t.Fatalf("expected one surviving request, got %d", tr.Len())
	}
	if sink.count() != 1 {
		t.Fatalf("expected one timeout reply, got %d", sink.count())
	}
	resp := sink.last()
	if resp.ID != "slow" || resp.Success || resp.Error == nil || resp.Error.Code != protocol.CodeInternalError {
		t.Fatalf("unexpected timeout reply: %+v", resp)
	}

	// The timed-out id is gone; a late resolve must be a no-op.
	if _, ok := tr.Resolve("slow"); ok {
		t.Fatalf("timed-out request still resolvable")
	}
	if _, ok := tr.Resolve("fresh"); !ok {
		t.Fatalf("fresh request lost by sweep")
	}
}

func TestSweepIgnoresWriteFailure(t *testing.T) {
	tr := newTestTracker()
	sink := &fakeSink{failWrite: true}

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Track("gone", sink)
	tr.mu.Lock()
	tr.pending["gone"].createdAt = base.Add(-200 * time.Second)
	tr.mu.Unlock()

	tr.sweep()
	if tr.Len() != 0 {
		t.Fatalf("entry survived a failed timeout write")
	}
}

func TestDropSinkPurgesWithoutReply(t *testing.T) {
	tr := newTestTracker()
	gone := &fakeSink{}
	stays := &fakeSink{}

	tr.Track("a", gone)
	tr.Track("b", gone)
	tr.Track("c", stays)

	if dropped := tr.DropSink(gone); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if gone.count() != 0 {
		t.Fatalf("dropped requests must not receive replies")
	}
	if tr.Len() != 1 {
		t.Fatalf("unrelated request purged")
	}
	if _, ok := tr.Resolve("c"); !ok {
		t.Fatalf("unrelated request lost")
	}
}

func TestClearDiscardsEverything(t *testing.T) {
	tr := newTestTracker()
	sink := &fakeSink{}
	tr.Track("a", sink)
	tr.Track("b", sink)

	tr.Clear()
	if tr.Len() != 0 {
		t.Fatalf("tracker not empty after clear")
	}
	if sink.count() != 0 {
		t.Fatalf("clear must not write replies")
	}
}

func TestSweepLoopRuns(t *testing.T) {
	tr := NewTracker(TrackerOptions{Timeout: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	sink := &fakeSink{}
	tr.Track("r1", sink)
	tr.Start()
	defer tr.Stop()

	waitFor(t, "sweep to fire", func() bool { return tr.Len() == 0 })
	if sink.count() != 1 {
		t.Fatalf("expected one timeout reply, got %d", sink.count())
	}
}
