// Package supervisor launches and tears down the stdio MCP server process.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
)

const (
	// DefaultSettleDelay is how long a freshly spawned server is given before
	// writes are allowed.
	DefaultSettleDelay = time.Second
	// DefaultGrace is the SIGTERM to SIGKILL escalation window.
	DefaultGrace = 5 * time.Second

	defaultQueueSize = 1024
)

var (
	ErrNotReady     = errors.New("supervisor: process not ready")
	ErrExited       = errors.New("supervisor: process exited")
	ErrBackpressure = errors.New("supervisor: stdin queue full")
)

// Spec describes the process to launch.
type Spec struct {
	Command string
	Args    []string
	// Env entries are appended to the current environment.
	Env []string
	Dir string
	// SettleDelay defaults to DefaultSettleDelay. Negative means ready at once.
	SettleDelay time.Duration
	// Stderr defaults to os.Stderr so server diagnostics reach the operator.
	Stderr    io.Writer
	QueueSize int
}

// ExitStatus describes how the process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running (or exited) child. Stdout must be consumed by the
// owner: exit is only reported once every byte written to stdout was read.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *io.PipeReader
	queue  chan []byte

	// stateMu orders the ready and terminating transitions so a process
	// never becomes ready after Terminate.
	stateMu     sync.Mutex
	ready       atomic.Bool
	terminating atomic.Bool
	forceKilled atomic.Bool
	readyCh     chan struct{}
	done        chan struct{}
	status      ExitStatus
}

// Launch spawns the process. Only OS level spawn failures are reported here;
// a server that starts and then dies shows up on Done.
func Launch(spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("supervisor: empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Bound Wait when a grandchild inherits the pipes and outlives the server.
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("supervisor: start %s: %w", spec.Command, err)
	}
	qs := spec.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  pr,
		queue:   make(chan []byte, qs),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	logx.Log.Info().Str("command", spec.Command).Strs("args", spec.Args).Int("pid", p.Pid()).Msg("mcp server started")

	settle := spec.SettleDelay
	if settle == 0 {
		settle = DefaultSettleDelay
	}
	go p.wait(pw)
	go p.writeLoop()
	go p.settle(settle)
	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stdout is the server's output stream. It reaches EOF after exit.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Ready is closed once the settle delay has elapsed on a live process. It is
// never closed for a process that exits or is terminated first.
func (p *Process) Ready() <-chan struct{} { return p.readyCh }

// IsReady reports whether writes are currently permitted.
func (p *Process) IsReady() bool { return p.ready.Load() && !p.Exited() }

// Done is closed after the process exited and its stdout was drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitStatus is valid once Done is closed.
func (p *Process) ExitStatus() ExitStatus {
	<-p.done
	return p.status
}

// Terminating reports whether Terminate was called, so an exit can be told
// apart from a crash.
func (p *Process) Terminating() bool { return p.terminating.Load() }

// ForceKilled reports whether termination had to escalate to SIGKILL.
func (p *Process) ForceKilled() bool { return p.forceKilled.Load() }

// Send queues msg followed by a newline for the stdin writer.
func (p *Process) Send(msg []byte) error {
	if p.Exited() {
		return ErrExited
	}
	if !p.ready.Load() {
		return ErrNotReady
	}
	line := make([]byte, len(msg)+1)
	copy(line, msg)
	line[len(msg)] = '\n'
	select {
	case p.queue <- line:
		return nil
	case <-p.done:
		return ErrExited
	default:
		return ErrBackpressure
	}
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process is still
// alive after grace. It returns immediately; wait on Done. Calling it on an
// exited process does nothing.
func (p *Process) Terminate(grace time.Duration) {
	if p.Exited() {
		return
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	p.stateMu.Lock()
	p.terminating.Store(true)
	p.ready.Store(false)
	p.stateMu.Unlock()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		logx.Log.Warn().Err(err).Int("pid", p.Pid()).Msg("SIGTERM failed")
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			logx.Log.Warn().Int("pid", p.Pid()).Dur("grace", grace).Msg("mcp server ignored SIGTERM; killing")
			p.forceKilled.Store(true)
			_ = p.cmd.Process.Kill()
		}
	}()
}

// Stop terminates and waits for exit.
func (p *Process) Stop(grace time.Duration) ExitStatus {
	p.Terminate(grace)
	return p.ExitStatus()
}

func (p *Process) wait(pw *io.PipeWriter) {
	err := p.cmd.Wait()
	_ = pw.Close()
	st := ExitStatus{Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err
	}
	p.status = st
	p.ready.Store(false)
	close(p.done)
	logx.Log.Info().Int("pid", p.Pid()).Str("status", st.String()).Bool("requested", p.terminating.Load()).Msg("mcp server exited")
}

func (p *Process) writeLoop() {
	for {
		select {
		case line := <-p.queue:
			if _, err := p.stdin.Write(line); err != nil {
				logx.Log.Warn().Err(err).Int("pid", p.Pid()).Msg("write to mcp server stdin failed")
			}
		case <-p.done:
			_ = p.stdin.Close()
			return
		}
	}
}

func (p *Process) settle(d time.Duration) {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.done:
			return
		}
	}
	p.markReady()
}

// markReady flips the process to ready unless it exited or is being
// terminated, and reports whether it did.
func (p *Process) markReady() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.terminating.Load() || p.Exited() {
		return false
	}
	p.ready.Store(true)
	close(p.readyCh)
	return true
}
