package bridge

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/mcpbridge/mcpbridge/internal/protocol"
)

func startTestServer(t *testing.T, idle time.Duration, factory *fakeFactory) (*Server, *Bridge, *Tracker) {
	t.Helper()
	if factory == nil {
		factory = &fakeFactory{}
	}
	b := newTestBridge(t, factory)
	tr := newTestTracker()
	d := NewDispatcher(b, tr, time.Second)
	s := NewServer(ServerOptions{
		Addr:        "127.0.0.1:0",
		Dispatcher:  d,
		Tracker:     tr,
		IdleTimeout: idle,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, b, tr
}

func dialServer(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, r *bufio.Reader) protocol.Response {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return resp
}

func TestServerPingOverTCP(t *testing.T) {
	s, _, _ := startTestServer(t, time.Minute, nil)
	conn, r := dialServer(t, s)

	if _, err := conn.Write([]byte(`{"id":"p1","command":"ping"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readResponse(t, r)
	if resp.ID != "p1" || !resp.Success {
		t.Fatalf("unexpected ping reply: %+v", resp)
	}
}

func TestServerAssignsMissingID(t *testing.T) {
	s, _, _ := startTestServer(t, time.Minute, nil)
	conn, r := dialServer(t, s)

	if _, err := conn.Write([]byte(`{"command":"ping"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readResponse(t, r)
	if resp.ID == "" {
		t.Fatalf("expected a generated id")
	}
}

func TestServerParseError(t *testing.T) {
	s, _, _ := startTestServer(t, time.Minute, nil)
	conn, r := dialServer(t, s)

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readResponse(t, r)
	if resp.Success || resp.Error == nil || resp.Error.Code != protocol.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}

	// The socket survives a malformed line.
	if _, err := conn.Write([]byte(`{"id":"p2","command":"ping"}` + "\n")); err != nil {
		t.Fatalf("write after parse error: %v", err)
	}
	if resp := readResponse(t, r); resp.ID != "p2" {
		t.Fatalf("socket unusable after parse error: %+v", resp)
	}
}

func TestServerSalvagesIDFromBadEnvelope(t *testing.T) {
	// Valid JSON whose command field has the wrong type still yields the id.
	if got := salvageID([]byte(`{"id":"x9","command":42}`)); got != "x9" {
		t.Fatalf("expected salvaged id x9, got %q", got)
	}
	if got := salvageID([]byte("garbage")); got != "" {
		t.Fatalf("expected empty id for garbage, got %q", got)
	}
}

func TestServerOrderedRepliesOnOneSocket(t *testing.T) {
	s, _, _ := startTestServer(t, time.Minute, nil)
	conn, r := dialServer(t, s)

	payload := `{"id":"a","command":"ping"}` + "\n" +
		`{"id":"b","command":"status"}` + "\n" +
		`{"id":"c","command":"list"}` + "\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"a", "b", "c"} {
		if resp := readResponse(t, r); resp.ID != want {
			t.Fatalf("replies out of order: expected %s, got %s", want, resp.ID)
		}
	}
}

func TestServerIdleTimeoutDropsClient(t *testing.T) {
	s, _, tr := startTestServer(t, 50*time.Millisecond, nil)
	conn, r := dialServer(t, s)

	// A quiet client gets disconnected and its pending requests purged.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Fatalf("expected the idle connection to close")
	}
	waitFor(t, "tracker empty", func() bool { return tr.Len() == 0 })
}

func TestServerDisconnectPurgesPendingRequests(t *testing.T) {
	// The backend call blocks, so the request stays pending until the
	// socket goes away.
	latch := make(chan struct{})
	defer close(latch)
	factory := &fakeFactory{prepare: func(c *fakeClient) { c.callLatch = latch }}
	s, b, tr := startTestServer(t, time.Minute, factory)

	registerLocal(t, b, "echo")
	if err := b.Start("echo"); err != nil {
		t.Fatalf("start echo: %v", err)
	}
	waitFor(t, "echo active", func() bool { return b.Active("echo") })

	conn, _ := dialServer(t, s)
	if _, err := conn.Write([]byte(`{"id":"t1","command":"toolcall","params":{"name":"echo","method":"say"}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "request tracked", func() bool { return tr.Len() == 1 })

	_ = conn.Close()
	waitFor(t, "pending purged", func() bool { return tr.Len() == 0 })
}
