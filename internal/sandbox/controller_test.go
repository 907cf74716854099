package sandbox

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/collabforge/collab-backend/internal/tree"
)

type sink struct {
	mu     sync.Mutex
	output strings.Builder
	errs   []string
	ready  chan string
}

func newSink() *sink {
	return &sink{ready: make(chan string, 1)}
}

func (s *sink) callbacks() Callbacks {
	return Callbacks{
		OnOutput: func(step string, data []byte) {
			s.mu.Lock()
			s.output.Write(data)
			s.mu.Unlock()
		},
		OnReady: func(port int, url string) {
			select {
			case s.ready <- url:
			default:
			}
		},
		OnError: func(step string, err error) {
			s.mu.Lock()
			s.errs = append(s.errs, step+": "+err.Error())
			s.mu.Unlock()
		},
	}
}

func (s *sink) outputContains(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Contains(s.output.String(), sub)
}

func (s *sink) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func newTestController(t *testing.T, cfg Config, cb Callbacks) *Controller {
	t.Helper()
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	return NewController(ws, cfg, cb)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipelineRunsInstallThenRun(t *testing.T) {
	s := newSink()
	c := newTestController(t, Config{
		InstallCommand: "echo install-step",
		RunCommand:     "echo run-step; sleep 10",
		ReadyTimeout:   time.Second,
	}, s.callbacks())

	c.Start(tree.Tree{"app.js": tree.NewFile("x")})
	defer c.Stop()

	waitFor(t, 5*time.Second, func() bool { return s.outputContains("install-step") }, "install output never streamed")
	waitFor(t, 5*time.Second, func() bool { return s.outputContains("run-step") }, "run output never streamed")
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateRunning }, "never reached running state")

	c.Stop()
	if got := c.State(); got != StateIdle {
		t.Errorf("expected idle after stop, got %s", got)
	}
}

func TestStartKillsPreviousRun(t *testing.T) {
	pidLog := filepath.Join(t.TempDir(), "pids.txt")
	s := newSink()
	c := newTestController(t, Config{
		InstallCommand: "true",
		RunCommand:     fmt.Sprintf("echo $$ >> %s; sleep 30", pidLog),
		ReadyTimeout:   time.Second,
	}, s.callbacks())
	defer c.Stop()

	readPids := func() []int {
		data, err := os.ReadFile(pidLog)
		if err != nil {
			return nil
		}
		var pids []int
		for _, line := range strings.Fields(string(data)) {
			if pid, err := strconv.Atoi(line); err == nil {
				pids = append(pids, pid)
			}
		}
		return pids
	}

	c.Start(tree.Tree{})
	waitFor(t, 5*time.Second, func() bool { return len(readPids()) == 1 }, "first run never started")

	c.Start(tree.Tree{})
	waitFor(t, 5*time.Second, func() bool { return len(readPids()) == 2 }, "second run never started")

	pids := readPids()
	// The first process was killed before the second spawned
	waitFor(t, 5*time.Second, func() bool {
		return syscall.Kill(pids[0], 0) != nil
	}, "first run process still alive after restart")

	if err := syscall.Kill(pids[1], 0); err != nil {
		t.Errorf("second run process not alive: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newSink()
	c := newTestController(t, Config{
		InstallCommand: "true",
		RunCommand:     "sleep 30",
		ReadyTimeout:   time.Second,
	}, s.callbacks())

	// Stop while idle is a no-op
	c.Stop()
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}

	c.Start(tree.Tree{})
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateRunning }, "never reached running state")

	c.Stop()
	c.Stop()
	if got := c.State(); got != StateIdle {
		t.Errorf("expected idle after double stop, got %s", got)
	}
}

func TestInstallFailureTransitionsToFailed(t *testing.T) {
	s := newSink()
	c := newTestController(t, Config{
		InstallCommand: "exit 1",
		RunCommand:     "echo never-reached",
		ReadyTimeout:   time.Second,
	}, s.callbacks())

	c.Start(tree.Tree{})
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateFailed }, "never reached failed state")

	if s.errorCount() == 0 {
		t.Error("install failure not surfaced")
	}
	if s.outputContains("never-reached") {
		t.Error("run step executed after failed install")
	}
}

func TestMountFailureTransitionsToFailed(t *testing.T) {
	s := newSink()
	c := newTestController(t, Config{
		InstallCommand: "true",
		RunCommand:     "true",
		ReadyTimeout:   time.Second,
	}, s.callbacks())

	c.Start(tree.Tree{"bad": {}})
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateFailed }, "invalid tree did not fail the pipeline")
}

func TestReadySignalSurfacesPreviewURL(t *testing.T) {
	// Anything accepting on the preview port satisfies the readiness
	// probe; listen from the test instead of the child process.
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	s := newSink()
	c := newTestController(t, Config{
		InstallCommand: "true",
		RunCommand:     "sleep 30",
		PreviewPort:    port,
		ReadyTimeout:   5 * time.Second,
	}, s.callbacks())
	defer c.Stop()

	c.Start(tree.Tree{})

	select {
	case url := <-s.ready:
		want := fmt.Sprintf("http://localhost:%d", port)
		if url != want {
			t.Errorf("expected %s, got %s", want, url)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ready signal never surfaced")
	}
}
