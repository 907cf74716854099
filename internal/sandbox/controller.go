// Package sandbox runs a session's synchronized file tree: it mounts the
// tree into a workspace, runs the install step, then the run step, and
// surfaces the preview URL once the run step is listening.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/collabforge/collab-backend/internal/log"
	"github.com/collabforge/collab-backend/internal/tree"
)

// State of the controller's run pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateMounting   State = "mounting"
	StateInstalling State = "installing"
	StateRunning    State = "running"
	StateFailed     State = "failed"
)

var ErrSpawn = errors.New("sandbox spawn failed")

// Config holds the commands and preview settings for a sandbox run.
type Config struct {
	InstallCommand string
	RunCommand     string
	PreviewPort    int
	ReadyTimeout   time.Duration
}

// Callbacks surface run output and lifecycle events to the owning
// connection. Output is streamed for display only, never parsed for
// control decisions.
type Callbacks struct {
	OnOutput func(step string, data []byte)
	OnReady  func(port int, url string)
	OnError  func(step string, err error)
}

// Controller manages at most one live run pipeline for one session.
// Starting a new run kills the previous one first; runs of other sessions
// are never affected.
type Controller struct {
	ws  *Workspace
	cfg Config
	cb  Callbacks

	mu      sync.Mutex
	state   State
	current *run
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates an idle controller over the given workspace.
func NewController(ws *Workspace, cfg Config, cb Callbacks) *Controller {
	return &Controller{
		ws:    ws,
		cfg:   cfg,
		cb:    cb,
		state: StateIdle,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the mount → install → run pipeline for the given tree.
// Any previous run owned by this controller is killed synchronously before
// the new tree is mounted, so at most one live process exists per session.
func (c *Controller) Start(t tree.Tree) {
	c.stopCurrent()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.current = r
	c.state = StateMounting
	c.mu.Unlock()

	go c.pipeline(r, t.Clone())
}

// Stop kills the live run, if any, and returns the controller to idle.
// No-op when already idle.
func (c *Controller) Stop() {
	c.stopCurrent()

	c.mu.Lock()
	if c.current == nil {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

func (c *Controller) stopCurrent() {
	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
}

func (c *Controller) pipeline(r *run, t tree.Tree) {
	defer close(r.done)
	defer func() {
		c.mu.Lock()
		if c.current == r {
			c.current = nil
			if c.state != StateFailed {
				c.state = StateIdle
			}
		}
		c.mu.Unlock()
	}()

	if err := c.ws.Mount(t); err != nil {
		c.fail(r, "mount", err)
		return
	}
	if r.ctx.Err() != nil {
		return
	}

	c.setState(r, StateInstalling)
	if err := c.runStep(r, "install", c.cfg.InstallCommand, nil); err != nil {
		if r.ctx.Err() == nil {
			c.fail(r, "install", err)
		}
		return
	}
	if r.ctx.Err() != nil {
		return
	}

	c.setState(r, StateRunning)
	exited := make(chan struct{})
	go c.watchReady(r, exited)
	err := c.runStep(r, "run", c.cfg.RunCommand, exited)
	if err != nil && r.ctx.Err() == nil {
		c.fail(r, "run", err)
	}
}

// runStep spawns the command under a PTY in the workspace root, streams
// its output, and waits for it to exit. A cancelled run context kills the
// process with SIGTERM, escalating to SIGKILL. If exited is non-nil it is
// closed when the process ends.
func (c *Controller) runStep(r *run, step, command string, exited chan struct{}) error {
	if exited != nil {
		defer close(exited)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = c.ws.Root()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, step, err)
	}
	defer ptmx.Close()

	waitDone := make(chan struct{})

	// Kill on cancellation: SIGTERM first, SIGKILL if it lingers
	go func() {
		select {
		case <-r.ctx.Done():
			cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-waitDone:
			case <-time.After(2 * time.Second):
				cmd.Process.Kill()
			}
		case <-waitDone:
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 && c.cb.OnOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.cb.OnOutput(step, data)
		}
		if readErr != nil {
			// PTY read fails with EIO once the child exits
			break
		}
	}

	waitErr := cmd.Wait()
	close(waitDone)

	if waitErr != nil && r.ctx.Err() == nil {
		return fmt.Errorf("%s step: %w", step, waitErr)
	}
	return nil
}

// watchReady polls the preview port until the run step is listening, then
// surfaces the preview URL. The poll stops when the run exits, the run is
// cancelled, or the ready timeout elapses.
func (c *Controller) watchReady(r *run, exited <-chan struct{}) {
	if c.cb.OnReady == nil || c.cfg.PreviewPort <= 0 {
		return
	}

	addr := fmt.Sprintf("localhost:%d", c.cfg.PreviewPort)
	deadline := time.After(c.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-exited:
			return
		case <-deadline:
			log.Warn().Str("addr", addr).Msg("sandbox run never became ready")
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
			if err == nil {
				conn.Close()
				c.cb.OnReady(c.cfg.PreviewPort, "http://"+addr)
				return
			}
		}
	}
}

func (c *Controller) setState(r *run, state State) {
	c.mu.Lock()
	if c.current == r {
		c.state = state
	}
	c.mu.Unlock()
}

// fail transitions to Failed and surfaces the error. Recovery requires an
// explicit Start; there is no automatic retry.
func (c *Controller) fail(r *run, step string, err error) {
	c.mu.Lock()
	if c.current == r {
		c.state = StateFailed
	}
	c.mu.Unlock()

	log.Error().Err(err).Str("step", step).Msg("sandbox pipeline failed")
	if c.cb.OnError != nil {
		c.cb.OnError(step, err)
	}
}
