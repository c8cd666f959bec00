package bridge

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/lifecycle-bridge/internal/jsonrpc"
	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
	"github.com/gaspardpetit/lifecycle-bridge/internal/metrics"
	"github.com/gaspardpetit/lifecycle-bridge/internal/serverstate"
	"github.com/gaspardpetit/lifecycle-bridge/internal/supervisor"
)

// SentinelID is the id of the bridge's own initialize request. Forwarded
// client requests always carry bridge allocated integers, so a string can
// never collide with them.
const SentinelID = "__lifecycle_bridge_handshake__"

// Notification methods broadcast by the sequencer.
const (
	MethodDatabaseSwitched     = "database/switched"
	MethodDatabaseSwitchFailed = "database/switch_failed"
)

var sentinelKey = jsonrpc.IDKey(jsonrpc.StringID(SentinelID))

// handshake is the pending system initialize. fromChild checks it before
// the correlation table.
type handshake struct {
	epoch uint64
	ch    chan *jsonrpc.Message
}

type switchJob struct {
	path string
	done func(error)
}

// switchWorker runs switches one at a time in arrival order.
func (b *Bridge) switchWorker() {
	for {
		select {
		case job := <-b.switches:
			job.done(b.switchDatabase(job.path))
		case <-b.stopped:
			return
		}
	}
}

// switchDatabase replaces the MCP server with one bound to path and
// re-initialises it. Nothing is touched when path does not exist.
func (b *Bridge) switchDatabase(path string) error {
	start := time.Now()
	if _, err := os.Stat(path); err != nil {
		logx.Log.Warn().Err(err).Str("database", path).Msg("database switch rejected")
		metrics.RecordSwitch(false, 0)
		return fmt.Errorf("database not found: %s", path)
	}
	log := logx.Log.With().Str("database", path).Logger()
	log.Info().Msg("switching database")

	var old *supervisor.Process
	var stopping bool
	if !b.do(func() {
		if b.state == StateStopped {
			stopping = true
			return
		}
		b.database = path
		b.state = StateSwitching
		if b.child != nil {
			old = b.child.proc
			b.child = nil
			// Anything the old server still prints is stale from here on.
			b.epoch++
		}
		b.failPending("MCP server restarting for database switch")
	}) || stopping {
		return ErrStopped
	}

	if old != nil {
		old.Terminate(b.opts.TerminateGrace)
		t := time.NewTimer(b.opts.SwitchExitWait)
		select {
		case <-old.Done():
		case <-t.C:
			log.Warn().Int("pid", old.Pid()).Dur("waited", b.opts.SwitchExitWait).Msg("previous mcp server still exiting; continuing")
		}
		t.Stop()
	}

	err := b.relaunch(path)
	if err != nil {
		metrics.RecordSwitch(false, 0)
		log.Error().Err(err).Msg("database switch failed")
		b.do(func() {
			if b.state != StateStopped {
				b.state = StateDown
			}
			b.notify(MethodDatabaseSwitchFailed, map[string]any{"database": path, "error": err.Error()})
		})
		return err
	}

	b.opts.Store.Store(serverstate.State{Database: path, SwitchedAt: time.Now().UTC()})
	elapsed := time.Since(start)
	metrics.RecordSwitch(true, elapsed.Seconds())
	log.Info().Dur("elapsed", elapsed).Msg("database switched")
	return nil
}

// relaunch starts the replacement server, waits for it to settle and
// performs the initialize handshake. On success the epoch is ready and
// database/switched has been broadcast.
func (b *Bridge) relaunch(path string) error {
	proc, err := b.launch(path)
	if err != nil {
		return fmt.Errorf("launch mcp server: %w", err)
	}
	var epoch uint64
	var attached bool
	if !b.do(func() {
		if b.state == StateStopped {
			return
		}
		epoch = b.attach(proc)
		attached = true
	}) || !attached {
		proc.Terminate(b.opts.TerminateGrace)
		return ErrStopped
	}

	select {
	case <-proc.Ready():
	case <-proc.Done():
		return fmt.Errorf("mcp server exited during startup (%s)", proc.ExitStatus())
	case <-b.stopped:
		return ErrStopped
	}

	if err := b.initialize(proc, epoch); err != nil {
		proc.Terminate(b.opts.TerminateGrace)
		return err
	}

	var current bool
	b.do(func() {
		if b.epoch != epoch || b.state == StateStopped {
			return
		}
		current = true
		b.state = StateReady
		b.notify(MethodDatabaseSwitched, map[string]any{"database": path})
	})
	if !current {
		return errors.New("mcp server replaced during switch")
	}
	return nil
}

// initialize sends the sentinel initialize request and, once answered
// without error, the initialized notification.
func (b *Bridge) initialize(proc *supervisor.Process, epoch uint64) error {
	req, err := jsonrpc.NewRequest(jsonrpc.StringID(SentinelID), jsonrpc.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: "lifecycle-bridge", Version: b.opts.Version},
	})
	if err != nil {
		return err
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	ch := make(chan *jsonrpc.Message, 1)
	var sendErr error
	if !b.do(func() {
		b.handshake = &handshake{epoch: epoch, ch: ch}
		sendErr = proc.Send(data)
	}) {
		return ErrStopped
	}
	defer b.do(func() {
		if b.handshake != nil && b.handshake.ch == ch {
			b.handshake = nil
		}
	})
	if sendErr != nil {
		return fmt.Errorf("send initialize: %w", sendErr)
	}

	t := time.NewTimer(b.opts.HandshakeTimeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("initialize failed: %s", resp.Error.Message)
		}
	case <-proc.Done():
		return fmt.Errorf("mcp server exited during initialize (%s)", proc.ExitStatus())
	case <-t.C:
		return fmt.Errorf("initialize timed out after %s", b.opts.HandshakeTimeout)
	case <-b.stopped:
		return ErrStopped
	}

	note, err := jsonrpc.NewNotification(jsonrpc.MethodInitialized, nil)
	if err != nil {
		return err
	}
	data, err = note.Encode()
	if err != nil {
		return err
	}
	if err := proc.Send(data); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return nil
}

// notify broadcasts a bridge notification. Runs on the loop.
func (b *Bridge) notify(method string, params any) {
	m, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		logx.Log.Error().Err(err).Str("method", method).Msg("encode notification")
		return
	}
	data, err := m.Encode()
	if err != nil {
		return
	}
	b.broadcast(data, false)
}
