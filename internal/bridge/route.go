package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaspardpetit/lifecycle-bridge/internal/framing"
	"github.com/gaspardpetit/lifecycle-bridge/internal/jsonrpc"
	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
	"github.com/gaspardpetit/lifecycle-bridge/internal/metrics"
	"github.com/gaspardpetit/lifecycle-bridge/internal/supervisor"
	"github.com/gaspardpetit/lifecycle-bridge/internal/tools"
)

// pump reads the server's stdout and posts each message, then the exit, to
// the loop. Using one goroutine for both keeps the exit after the last line.
func (b *Bridge) pump(proc *supervisor.Process, epoch uint64) {
	dec := &framing.Decoder{}
	err := framing.ReadAll(proc.Stdout(), dec, func(raw json.RawMessage) {
		b.post(func() { b.fromChild(epoch, raw) })
	})
	if err != nil {
		logx.Log.Warn().Err(err).Int("pid", proc.Pid()).Msg("read mcp server stdout")
	}
	<-proc.Done()
	st := proc.ExitStatus()
	b.post(func() { b.childExited(epoch, proc, st) })
}

func (b *Bridge) fromChild(epoch uint64, raw json.RawMessage) {
	if epoch != b.epoch {
		metrics.RecordServerMessage("stale")
		logx.Log.Debug().Uint64("epoch", epoch).Msg("dropping message from replaced mcp server")
		return
	}
	msg, err := jsonrpc.Parse(raw)
	if err != nil {
		metrics.RecordServerMessage("broadcast")
		b.broadcast(raw, true)
		return
	}
	if hs := b.handshake; hs != nil && hs.epoch == epoch && msg.IsResponse() && msg.IDKey() == sentinelKey {
		b.handshake = nil
		hs.ch <- msg
		metrics.RecordServerMessage("handshake")
		return
	}
	if msg.IsResponse() && msg.HasID() {
		key := msg.IDKey()
		if e, ok := b.table.Resolve(key); ok {
			b.updateGauges()
			msg.ID = e.ClientID
			metrics.RecordServerMessage("routed")
			b.reply(e.Owner, *msg)
			return
		}
		if b.table.Issued(key) {
			// The requester disconnected. Its wire id may equal an id some
			// other client picked, so the response goes nowhere.
			metrics.RecordServerMessage("orphaned")
			logx.Log.Debug().Str("id", key).Msg("dropping response for a disconnected client")
			return
		}
	}
	metrics.RecordServerMessage("broadcast")
	b.broadcast(raw, true)
}

func (b *Bridge) childExited(epoch uint64, proc *supervisor.Process, st supervisor.ExitStatus) {
	requested := proc.Terminating()
	metrics.RecordServerExit(requested)
	if b.child == nil || b.child.epoch != epoch {
		return
	}
	b.child = nil
	b.failPending(fmt.Sprintf("MCP server exited (%s)", st))
	if !requested {
		logx.Log.Error().Int("pid", proc.Pid()).Str("status", st.String()).Msg("mcp server exited unexpectedly")
		crash := jsonrpc.Message{
			JSONRPC: jsonrpc.Version,
			Error:   jsonrpc.NewError(jsonrpc.CodeServerError, fmt.Sprintf("MCP server exited unexpectedly (%s)", st), nil),
		}
		if data, err := crash.Encode(); err == nil {
			b.broadcast(data, false)
		}
	}
	if b.state != StateStopped && b.state != StateSwitching {
		b.state = StateDown
	}
}

func (b *Bridge) fromClient(c *conn, data []byte) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	msg, err := jsonrpc.Parse(data)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrNotObject) {
			metrics.RecordRejected("invalid_request")
			b.reply(c, jsonrpc.NewErrorResponse(nil, jsonrpc.CodeInvalidRequest, "Invalid Request: expected a single JSON-RPC object"))
			return
		}
		metrics.RecordRejected("parse")
		b.reply(c, jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "Parse error"))
		return
	}
	if params, ok := jsonrpc.ParseToolCall(msg); ok {
		if route, local := b.opts.Tools.Lookup(params.Name); local {
			b.local(c, msg, route, params)
			return
		}
	}
	b.forward(c, msg)
}

func (b *Bridge) forward(c *conn, msg *jsonrpc.Message) {
	ready := b.state == StateReady && b.child != nil && b.child.proc.IsReady()
	if !msg.IsRequest() {
		// Notifications and responses to server initiated requests need no
		// correlation entry.
		if !ready {
			logx.Log.Debug().Str("client_id", c.id).Str("method", msg.Method).Msg("dropping client message; mcp server not ready")
			return
		}
		if data, err := msg.Encode(); err == nil {
			if err := b.child.proc.Send(data); err != nil {
				logx.Log.Warn().Err(err).Str("client_id", c.id).Msg("forward to mcp server")
			}
		}
		return
	}
	if !ready {
		metrics.RecordRejected("not_ready")
		b.reply(c, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeServerError, "MCP server not ready"))
		return
	}
	clientID := msg.ID
	out := *msg
	out.ID = b.table.Record(clientID, c)
	data, err := out.Encode()
	if err == nil {
		err = b.child.proc.Send(data)
	}
	if err != nil {
		b.table.Resolve(jsonrpc.IDKey(out.ID))
		metrics.RecordRejected("send")
		b.reply(c, jsonrpc.NewErrorResponse(clientID, jsonrpc.CodeServerError, fmt.Sprintf("MCP server unavailable: %v", err)))
		return
	}
	b.updateGauges()
	metrics.RecordForwarded(msg.Method)
	logx.Log.Debug().Str("client_id", c.id).Str("method", msg.Method).RawJSON("id", clientID).Msg("forwarded")
}

// local serves a tool from the dispatch table. Anything that can block runs
// off the loop against the database active when the call arrived.
func (b *Bridge) local(c *conn, msg *jsonrpc.Message, route tools.Route, params jsonrpc.ToolCallParams) {
	id := msg.ID
	respond := func(res jsonrpc.ToolResult) {
		metrics.RecordLocalTool(route.Name, !res.IsError)
		if !msg.HasID() {
			return
		}
		reply, err := jsonrpc.NewResult(id, res)
		if err != nil {
			reply = jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, err.Error())
		}
		b.reply(c, reply)
	}
	switch route.Kind {
	case tools.KindCurrent:
		var db any
		if b.database != "" {
			db = b.database
		}
		respond(jsonrpc.JSONResult(map[string]any{"database": db}, false))
	case tools.KindSwitch:
		var args struct {
			Database string `json:"database"`
		}
		if len(params.Arguments) > 0 {
			_ = json.Unmarshal(params.Arguments, &args)
		}
		if args.Database == "" {
			respond(switchResult(args.Database, errors.New("database path is required")))
			return
		}
		job := switchJob{path: args.Database, done: func(err error) {
			b.post(func() { respond(switchResult(args.Database, err)) })
		}}
		select {
		case b.switches <- job:
		default:
			respond(switchResult(args.Database, errors.New("too many database switches queued")))
		}
	default:
		db := b.database
		go func() {
			v, err := route.Handler(b.ctx, db, params.Arguments)
			var res jsonrpc.ToolResult
			if err != nil {
				logx.Log.Warn().Err(err).Str("tool", route.Name).Str("database", db).Msg("local tool failed")
				res = jsonrpc.TextResult(err.Error(), true)
			} else {
				res = jsonrpc.JSONResult(v, false)
			}
			b.post(func() { respond(res) })
		}()
	}
}

func switchResult(db string, err error) jsonrpc.ToolResult {
	if err != nil {
		return jsonrpc.JSONResult(map[string]any{"success": false, "error": err.Error()}, true)
	}
	return jsonrpc.JSONResult(map[string]any{"success": true, "database": db}, false)
}

// failPending answers every outstanding forwarded request with a server
// error so each id still gets exactly one response.
func (b *Bridge) failPending(reason string) {
	entries := b.table.Drain()
	for _, e := range entries {
		b.reply(e.Owner, jsonrpc.NewErrorResponse(e.ClientID, jsonrpc.CodeServerError, reason))
	}
	if len(entries) > 0 {
		logx.Log.Warn().Int("count", len(entries)).Str("reason", reason).Msg("orphaned pending requests")
	}
	b.updateGauges()
}

func (b *Bridge) reply(c *conn, m jsonrpc.Message) {
	data, err := m.Encode()
	if err != nil {
		logx.Log.Error().Err(err).Msg("encode reply")
		return
	}
	b.deliver(c, data)
}

// deliver queues data for one client. A client whose queue is full is
// disconnected rather than stalling the loop.
func (b *Bridge) deliver(c *conn, data []byte) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	if !c.enqueue(data) {
		logx.Log.Warn().Str("client_id", c.id).Msg("client send queue full; disconnecting")
		b.dropClient(c, "send queue full")
	}
}

// broadcast sends data to every client. Server output is also kept in the
// replay buffer for clients that join later.
func (b *Bridge) broadcast(data []byte, keep bool) {
	if keep {
		if len(b.replay) >= b.opts.ReplaySize {
			copy(b.replay, b.replay[1:])
			b.replay = b.replay[:len(b.replay)-1]
		}
		b.replay = append(b.replay, data)
	}
	for c := range b.clients {
		b.deliver(c, data)
	}
}

func (b *Bridge) addClient(c *conn) bool {
	if b.state == StateStopped {
		return false
	}
	b.clients[c] = struct{}{}
	for _, m := range b.replay {
		if !c.enqueue(m) {
			break
		}
	}
	b.updateGauges()
	logx.Log.Info().Str("client_id", c.id).Int("clients", len(b.clients)).Msg("client connected")
	return true
}

func (b *Bridge) removeClient(c *conn) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	n := b.table.PurgeOwner(c)
	b.updateGauges()
	logx.Log.Info().Str("client_id", c.id).Int("purged", n).Int("clients", len(b.clients)).Msg("client disconnected")
}

func (b *Bridge) dropClient(c *conn, reason string) {
	b.removeClient(c)
	c.close(reason)
}
