package redis

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// errShortBuffer signals that the buffer held by Decoder does not yet
// contain a complete reply; it never escapes Feed.
var errShortBuffer = errors.New("redis: short buffer")

// arrayFrame is a suspended in-progress Array parse: decoding stopped
// partway through the Nth element and must resume there, without losing
// or re-decoding the elements already collected. Grounded on the
// register/stack continuation in
// packetd-packetd/protocol/predis/decoder.go, adapted from protocol
// classification to full reply reconstruction.
type arrayFrame struct {
	remaining int
	items     []Reply
}

// Decoder incrementally parses a stream of RESP replies. It is not safe
// for concurrent use — each connection drives exactly one Decoder from a
// single reader goroutine.
//
// Feed realizes decoding as a pure transform (accumulated bytes in,
// fully-formed replies out) on a stateful receiver, the conventional Go
// shape for this (bufio.Reader, etc. all do the same). The buffer holds
// exactly the unparsed suffix: bytes belonging to a completed reply are
// dropped once Feed returns.
type Decoder struct {
	buf []byte
	pos int

	stack []*arrayFrame
}

// NewDecoder returns a ready-to-use Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly received bytes and returns every reply that can be
// fully decoded from the accumulated buffer. A nil (not empty) result is
// the ordinary case when the stream is mid-frame — most TCP segments
// split a Redis reply somewhere.
func (d *Decoder) Feed(b []byte) ([]Reply, error) {
	d.buf = append(d.buf, b...)

	var out []Reply
	for {
		v, err := d.next()
		if err != nil {
			if errors.Is(err, errShortBuffer) {
				break
			}
			return out, err
		}
		out = append(out, v)
	}

	if d.pos > 0 {
		d.buf = append(d.buf[:0], d.buf[d.pos:]...)
		d.pos = 0
	}
	return out, nil
}

// next produces exactly one top-level Reply from the current buffer
// state, or errShortBuffer if more bytes are needed. Nested arrays are
// driven iteratively via d.stack rather than Go call recursion, so a
// suspension deep inside a nested array survives across Feed calls
// without unwinding the Go stack.
func (d *Decoder) next() (Reply, error) {
	for {
		v, pushedFrame, err := d.decodeOneValue()
		if err != nil {
			return nil, err
		}
		if pushedFrame {
			continue // decode the new frame's first element next
		}

		if len(d.stack) == 0 {
			return v, nil
		}

		// Attach v to the innermost pending array, unwinding any
		// frames that complete as a result.
		for {
			top := d.stack[len(d.stack)-1]
			top.items = append(top.items, v)
			top.remaining--
			if top.remaining > 0 {
				break // this frame still wants more elements
			}
			d.stack = d.stack[:len(d.stack)-1]
			v = Array{Items: top.items}
			if len(d.stack) == 0 {
				return v, nil
			}
			// v (the just-completed array) becomes the next item
			// of the new top frame; loop to attach it too.
		}
	}
}

// decodeOneValue decodes the next RESP value at the current cursor.
// Any failure rewinds the cursor to where it started, so a retry (on the
// next Feed call, once more bytes arrive) re-reads the same short header
// rather than needing its own resumable state — only arrays need that,
// via d.stack, since an array's already-decoded elements must not be
// re-decoded.
//
// For a non-null Array header it pushes a frame and returns
// (nil, true, nil): the caller loops back to decode the array's first
// element next. A null array, an empty array, and every scalar type
// return their value directly with pushedFrame == false.
func (d *Decoder) decodeOneValue() (v Reply, pushedFrame bool, err error) {
	start := d.pos
	line, err := d.readLine()
	if err != nil {
		d.pos = start
		return nil, false, err
	}
	if len(line) == 0 {
		d.pos = start
		return nil, false, ErrProtocol
	}

	switch line[0] {
	case '+':
		return SimpleString(cloneBytes(line[1:])), false, nil

	case '-':
		return Error(cloneBytes(line[1:])), false, nil

	case ':':
		return Integer(cloneBytes(line[1:])), false, nil

	case '$':
		b, err := d.decodeBulkBody(line[1:])
		if err != nil {
			d.pos = start
			return nil, false, err
		}
		return b, false, nil

	case '*':
		n, err := parseLen(line[1:])
		if err != nil {
			d.pos = start
			return nil, false, err
		}
		if n < 0 {
			return Array{Null: true}, false, nil
		}
		if n == 0 {
			return Array{Items: []Reply{}}, false, nil
		}
		d.stack = append(d.stack, &arrayFrame{remaining: n, items: make([]Reply, 0, n)})
		return nil, true, nil

	default:
		d.pos = start
		return nil, false, ErrProtocol
	}
}

// decodeBulkBody reads a bulk string's body given its already-consumed
// "$<len>" line (minus the leading '$'). It does not rewind on failure —
// the caller does, via its own saved start position.
func (d *Decoder) decodeBulkBody(lenLine []byte) (Reply, error) {
	n, err := parseLen(lenLine)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return Bulk{Null: true}, nil
	}

	body, err := d.readN(n + 2)
	if err != nil {
		return nil, err
	}
	if body[n] != '\r' || body[n+1] != '\n' {
		return nil, ErrProtocol
	}
	return Bulk{Bytes: cloneBytes(body[:n])}, nil
}

// readLine returns the next CRLF-terminated line (without the
// terminator), advancing the cursor past it. It returns errShortBuffer
// if no '\n' is buffered yet, and ErrProtocol if a '\n' arrives without a
// preceding '\r' (a malformed line).
func (d *Decoder) readLine() ([]byte, error) {
	rest := d.buf[d.pos:]
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, errShortBuffer
	}
	if idx == 0 || rest[idx-1] != '\r' {
		return nil, ErrProtocol
	}
	d.pos += idx + 1
	return rest[:idx-1], nil
}

// readN returns exactly n bytes starting at the cursor, advancing past
// them, or errShortBuffer if fewer than n are buffered.
func (d *Decoder) readN(n int) ([]byte, error) {
	if len(d.buf)-d.pos < n {
		return nil, errShortBuffer
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// parseLen parses a RESP length field ("$<len>" or "*<len>" minus the
// type byte).
func parseLen(b []byte) (int, error) {
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, errors.Wrap(ErrProtocol, err.Error())
	}
	return n, nil
}

// cloneBytes copies b into freshly allocated storage. Every reply that
// carries bytes out of Decoder does so through this — the internal
// buffer gets compacted (and, eventually, reused) between Feed calls, so
// a reply can never alias it.
func cloneBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
