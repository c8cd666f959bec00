// Package bridge connects WebSocket clients to a single stdio MCP server.
//
// All mutable state (clients, correlation table, child process, active
// database) is owned by one loop goroutine. Every other goroutine hands it
// closures through do or post, so the state is never locked.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gaspardpetit/lifecycle-bridge/internal/correlation"
	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
	"github.com/gaspardpetit/lifecycle-bridge/internal/metrics"
	"github.com/gaspardpetit/lifecycle-bridge/internal/serverstate"
	"github.com/gaspardpetit/lifecycle-bridge/internal/supervisor"
	"github.com/gaspardpetit/lifecycle-bridge/internal/tools"
)

// State is the lifecycle of the current MCP server epoch.
type State int

const (
	StateStarting State = iota
	StateReady
	StateSwitching
	StateDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateSwitching:
		return "switching"
	case StateDown:
		return "down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrStopped is returned by operations attempted after Shutdown.
var ErrStopped = errors.New("bridge stopped")

// Options configures a Bridge. Zero durations fall back to the defaults.
type Options struct {
	Command string
	Args    []string
	// Env is appended to the server environment on every launch.
	Env      []string
	Database string
	Store    serverstate.Store
	Tools    *tools.Table

	SettleDelay      time.Duration
	TerminateGrace   time.Duration
	SwitchExitWait   time.Duration
	HandshakeTimeout time.Duration
	ReplaySize       int
	SendQueue        int
	AllowedOrigins   []string
	Stderr           io.Writer
	Version          string
}

func (o *Options) setDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = supervisor.DefaultSettleDelay
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = supervisor.DefaultGrace
	}
	if o.SwitchExitWait <= 0 {
		o.SwitchExitWait = 3 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReplaySize <= 0 {
		o.ReplaySize = 100
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.Store == nil {
		o.Store = serverstate.NewMemoryStore()
	}
	if o.Tools == nil {
		o.Tools = tools.NewTable(nil)
	}
	if o.Version == "" {
		o.Version = "dev"
	}
}

type child struct {
	proc  *supervisor.Process
	epoch uint64
}

// Bridge is the orchestrator. Create with New, then Start.
type Bridge struct {
	opts Options

	cmds     chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	switches chan switchJob
	ctx      context.Context
	cancel   context.CancelFunc

	// owned by the loop goroutine
	clients   map[*conn]struct{}
	table     *correlation.Table[*conn]
	replay    [][]byte
	child     *child
	epoch     uint64
	state     State
	database  string
	handshake *handshake
}

// New returns a Bridge that is not yet running.
func New(opts Options) *Bridge {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts:     opts,
		cmds:     make(chan func(), 256),
		stopped:  make(chan struct{}),
		switches: make(chan switchJob, 16),
		ctx:      ctx,
		cancel:   cancel,
		clients:  map[*conn]struct{}{},
		table:    correlation.New[*conn](),
		state:    StateStarting,
	}
}

// Start launches the MCP server against the configured database, or the
// last persisted one when none is configured. The server is not
// initialised by the bridge; the first client performs the handshake.
func (b *Bridge) Start() error {
	db := b.opts.Database
	if db == "" {
		db = b.opts.Store.Load().Database
		if db != "" {
			logx.Log.Info().Str("database", db).Msg("restoring last active database")
		}
	}
	b.database = db
	go b.run()
	go b.switchWorker()

	proc, err := b.launch(db)
	if err != nil {
		b.stop()
		return err
	}
	var epoch uint64
	if !b.do(func() { epoch = b.attach(proc) }) {
		proc.Terminate(b.opts.TerminateGrace)
		return ErrStopped
	}
	go b.promoteWhenReady(proc, epoch)
	return nil
}

// Shutdown answers pending requests with an error, closes every client once
// its queued messages are written, terminates the server with the standard
// grace period and stops the loop. ctx bounds the wait for the server exit.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var proc *supervisor.Process
	ok := b.do(func() {
		b.state = StateStopped
		if b.child != nil {
			proc = b.child.proc
			b.child = nil
			b.epoch++
		}
		b.failPending("bridge shutting down")
		for c := range b.clients {
			b.removeClient(c)
			c.finish("bridge shutting down")
		}
	})
	if !ok {
		return ErrStopped
	}
	b.cancel()
	var err error
	if proc != nil {
		proc.Terminate(b.opts.TerminateGrace)
		select {
		case <-proc.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	b.stop()
	logx.Log.Info().Msg("bridge stopped")
	return err
}

// Status is a snapshot of the bridge.
type Status struct {
	State    string `json:"state"`
	Database string `json:"database,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Epoch    uint64 `json:"epoch"`
	Clients  int    `json:"clients"`
	Pending  int    `json:"pending"`
}

// Status returns the current snapshot.
func (b *Bridge) Status() Status {
	var st Status
	if !b.do(func() {
		st = Status{State: b.state.String(), Database: b.database, Epoch: b.epoch, Clients: len(b.clients), Pending: b.table.Len()}
		if b.child != nil {
			st.PID = b.child.proc.Pid()
		}
	}) {
		return Status{State: StateStopped.String()}
	}
	return st
}

// Running reports whether the loop is accepting work.
func (b *Bridge) Running() bool {
	select {
	case <-b.stopped:
		return false
	default:
		return true
	}
}

func (b *Bridge) run() {
	for {
		select {
		case fn := <-b.cmds:
			fn()
		case <-b.stopped:
			return
		}
	}
}

func (b *Bridge) stop() { b.stopOnce.Do(func() { close(b.stopped) }) }

// do runs fn on the loop and waits for it. It returns false when the bridge
// stopped before fn ran.
func (b *Bridge) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case b.cmds <- func() { fn(); close(done) }:
	case <-b.stopped:
		return false
	}
	select {
	case <-done:
		return true
	case <-b.stopped:
		return false
	}
}

// post queues fn on the loop without waiting.
func (b *Bridge) post(fn func()) {
	select {
	case b.cmds <- fn:
	case <-b.stopped:
	}
}

func (b *Bridge) launch(db string) (*supervisor.Process, error) {
	env := append([]string{"PYTHONUNBUFFERED=1"}, b.opts.Env...)
	if db != "" {
		env = append(env, "LIFECYCLE_DB="+db)
	}
	return supervisor.Launch(supervisor.Spec{
		Command:     b.opts.Command,
		Args:        b.opts.Args,
		Env:         env,
		SettleDelay: b.opts.SettleDelay,
		Stderr:      b.opts.Stderr,
	})
}

// attach makes proc the current server under a new epoch and starts
// pumping its stdout into the loop. Runs on the loop.
func (b *Bridge) attach(proc *supervisor.Process) uint64 {
	b.epoch++
	epoch := b.epoch
	b.child = &child{proc: proc, epoch: epoch}
	b.state = StateStarting
	go b.pump(proc, epoch)
	return epoch
}

// promoteWhenReady moves a freshly started epoch to ready once the settle
// delay has passed. A switch epoch is promoted by the sequencer instead.
func (b *Bridge) promoteWhenReady(proc *supervisor.Process, epoch uint64) {
	select {
	case <-proc.Ready():
	case <-proc.Done():
		return
	case <-b.stopped:
		return
	}
	b.post(func() {
		if b.epoch == epoch && b.state == StateStarting {
			b.state = StateReady
			logx.Log.Info().Int("pid", proc.Pid()).Uint64("epoch", epoch).Msg("mcp server ready")
		}
	})
}

func (b *Bridge) updateGauges() {
	metrics.SetConnectedClients(len(b.clients))
	metrics.SetPendingRequests(b.table.Len())
	metrics.SetOldestPending(b.table.Oldest())
}
