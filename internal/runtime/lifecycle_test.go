package runtime

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestLifecycleShutdownIsIdempotent(t *testing.T) {
	l := NewLifecycle()
	select {
	case <-l.Done():
		t.Fatalf("done before shutdown")
	default:
	}

	l.Shutdown()
	l.Shutdown()
	select {
	case <-l.Done():
	default:
		t.Fatalf("done channel not closed after shutdown")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "bridge.pid")
	if err := WritePIDFile(pidFile, 4242); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if pid, err := strconv.Atoi(string(data)); err != nil || pid != 4242 {
		t.Fatalf("unexpected pid file contents %q", data)
	}

	RemovePIDFile(pidFile)
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file still present: %v", err)
	}
	RemovePIDFile(pidFile)
}

func TestWritePIDFileRejectsEmptyPath(t *testing.T) {
	if err := WritePIDFile("", 1); err == nil {
		t.Fatalf("expected error for empty pid file path")
	}
}

func TestIsListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if !IsListening(ln.Addr().String()) {
		t.Fatalf("expected open port to be detected")
	}
	ln.Close()
	if IsListening(ln.Addr().String()) {
		t.Fatalf("closed port reported as listening")
	}
}
