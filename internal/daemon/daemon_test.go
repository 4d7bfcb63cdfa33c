package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestStatus_noPidFile(t *testing.T) {
	t.Parallel()
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatal("fresh home should not be running")
	}
}

func TestStatus_stalePidRemoved(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// A pid that cannot exist on this machine.
	if err := os.WriteFile(pidPath(home), []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatal("stale pid reported as running")
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatal("stale pid file not cleaned up")
	}
}

func TestStatus_runningSelf(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// Our own pid always exists.
	if err := os.WriteFile(pidPath(home), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(addrPath(home), []byte("0.0.0.0:3548\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.PID != os.Getpid() || st.Addr != "0.0.0.0:3548" {
		t.Fatalf("status: %+v", st)
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	lf := lockPath(home)

	l1, err := acquireLock(lf)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := acquireLock(lf); err == nil {
		t.Fatal("second lock must fail while first is held")
	}
	l1.release()

	l2, err := acquireLock(lf)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	l2.release()
}

func TestPaths(t *testing.T) {
	t.Parallel()
	home := filepath.Join("some", "home")
	if got := pidPath(home); got != filepath.Join(home, "protected", "daemon.pid") {
		t.Fatalf("pidPath: %s", got)
	}
	if got := addrPath(home); got != filepath.Join(home, "protected", "daemon.addr") {
		t.Fatalf("addrPath: %s", got)
	}
}

func TestStop_notRunning(t *testing.T) {
	t.Parallel()
	stopped, err := Stop(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Fatal("nothing to stop")
	}
}
