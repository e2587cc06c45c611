// Package sse decodes server-sent event streams whose byte boundaries are
// dictated by the network, not by event framing.
package sse

import (
	"bytes"
	"io"
)

// Event is one decoded server-sent event. Name is the optional `event:` field;
// Data is the payload of the `data:` lines, joined with newlines when an event
// spans several of them.
type Event struct {
	Name string
	Data []byte
}

// Decoder reassembles events from a reader that may deliver them in arbitrary
// fragments. Unconsumed bytes are kept across reads, so splitting the input at
// any offset yields the same event sequence.
type Decoder struct {
	r       io.Reader
	buf     []byte
	scratch []byte
	err     error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, scratch: make([]byte, 4096)}
}

// Next returns the next complete event. It returns io.EOF once the underlying
// reader is exhausted and no buffered event remains; any other read error is
// returned as-is. Data accumulated before an EOF that cut an event short is
// surfaced as a final event so the caller can decide how to treat it.
func (d *Decoder) Next() (Event, error) {
	for {
		ev, n, ok := parseEvent(d.buf)
		if ok {
			d.buf = d.buf[n:]
			if ev.Name == "" && len(ev.Data) == 0 {
				continue
			}
			return ev, nil
		}

		if d.err != nil {
			ev, hasData := flushEvent(d.buf)
			d.buf = nil
			if hasData {
				return ev, nil
			}
			return Event{}, d.err
		}

		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.buf = append(d.buf, d.scratch[:n]...)
		}
		if err != nil {
			d.err = err
		}
	}
}

// parseEvent scans buf for one blank-line-terminated event and reports how
// many bytes it consumed. ok is false while the event is still incomplete.
func parseEvent(buf []byte) (ev Event, consumed int, ok bool) {
	var data [][]byte
	idx := 0
	for {
		nl := bytes.IndexByte(buf[idx:], '\n')
		if nl < 0 {
			return Event{}, 0, false
		}
		line := bytes.TrimSuffix(buf[idx:idx+nl], []byte{'\r'})
		idx += nl + 1

		if len(line) == 0 {
			if len(data) > 0 {
				ev.Data = bytes.Join(data, []byte{'\n'})
			}
			return ev, idx, true
		}
		if line[0] == ':' {
			continue
		}

		field, val := splitField(line)
		switch field {
		case "event":
			ev.Name = string(val)
		case "data":
			data = append(data, append([]byte(nil), val...))
		}
	}
}

// flushEvent interprets whatever is left in the buffer at EOF as a final,
// unterminated event.
func flushEvent(buf []byte) (Event, bool) {
	var ev Event
	var data [][]byte
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, val := splitField(line)
		switch field {
		case "event":
			ev.Name = string(val)
		case "data":
			data = append(data, append([]byte(nil), val...))
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}
	ev.Data = bytes.Join(data, []byte{'\n'})
	return ev, true
}

func splitField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	val := line[i+1:]
	if len(val) > 0 && val[0] == ' ' {
		val = val[1:]
	}
	return string(line[:i]), val
}
