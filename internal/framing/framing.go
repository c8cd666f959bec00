// Package framing turns the raw stdout byte stream of a stdio MCP server into
// discrete JSON messages, one per newline-terminated line.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
)

// Decoder reassembles newline-delimited JSON from chunks with arbitrary
// boundaries. The zero value is ready to use. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	buf []byte

	// OnError is called for every complete line that is not valid JSON.
	// When nil the line is logged and dropped.
	OnError func(line []byte, err error)
}

// ErrInvalidJSON is passed to OnError for lines that fail to parse.
var ErrInvalidJSON = errors.New("framing: invalid json line")

// Feed appends chunk and returns every complete message it closes, in order.
// The trailing partial line is kept for the next call.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)
	var out []json.RawMessage
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		if msg, ok := d.parse(line); ok {
			out = append(out, msg)
		}
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush parses whatever is left in the buffer as a final line. Used at EOF
// when the producer did not terminate its last line.
func (d *Decoder) Flush() []json.RawMessage {
	line := d.buf
	d.buf = nil
	if msg, ok := d.parse(line); ok {
		return []json.RawMessage{msg}
	}
	return nil
}

// Buffered reports the size of the pending partial line.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) parse(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if !json.Valid(line) {
		if d.OnError != nil {
			d.OnError(line, ErrInvalidJSON)
		} else {
			logx.Log.Warn().Int("bytes", len(line)).Str("line", preview(line)).Msg("dropping non-JSON line from MCP server")
		}
		return nil, false
	}
	msg := make(json.RawMessage, len(line))
	copy(msg, line)
	return msg, true
}

func preview(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// ReadAll drives a Decoder from r until EOF or a read error, calling fn for
// every message in stream order. io.EOF is not reported as an error.
func ReadAll(r io.Reader, d *Decoder, fn func(json.RawMessage)) error {
	if d == nil {
		d = &Decoder{}
	}
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, msg := range d.Feed(chunk[:n]) {
				fn(msg)
			}
		}
		if err != nil {
			for _, msg := range d.Flush() {
				fn(msg)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
