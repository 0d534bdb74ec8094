package redis

import (
	"bytes"
	"fmt"
	"strconv"
)

const crlf = "\r\n"

// CommandArg is a single multibulk element. The closed set of
// implementations below is deliberate: there is no exported float
// argument type, so a command built from Str/Bytes/Int can never fail to
// encode. Raw is the one escape hatch that can still produce a float, and
// therefore the one path that can surface ErrFloatUnsupported.
type CommandArg interface {
	encodeArg() ([]byte, error)
}

type stringArg string

func (a stringArg) encodeArg() ([]byte, error) { return []byte(a), nil }

type bytesArg []byte

func (a bytesArg) encodeArg() ([]byte, error) { return []byte(a), nil }

type intArg int64

func (a intArg) encodeArg() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(a), 10)), nil
}

type floatArg float64

func (a floatArg) encodeArg() ([]byte, error) {
	return nil, ErrFloatUnsupported{Value: float64(a)}
}

// Str wraps a textual/symbolic argument: a command name, key, or flag.
func Str(s string) CommandArg { return stringArg(s) }

// Bytes wraps a raw byte-string argument.
func Bytes(b []byte) CommandArg { return bytesArg(b) }

// Int wraps an integer argument; it is encoded as decimal text with no
// leading zeros, '-' for negatives.
func Int(v int64) CommandArg { return intArg(v) }

// Raw converts an arbitrary Go value into a CommandArg. It is the only
// constructor that can produce a float argument, and therefore the only
// path by which ErrFloatUnsupported can surface — floats are rejected at
// encode time rather than silently stringified.
func Raw(v any) CommandArg {
	switch t := v.(type) {
	case string:
		return stringArg(t)
	case []byte:
		return bytesArg(t)
	case int:
		return intArg(int64(t))
	case int32:
		return intArg(int64(t))
	case int64:
		return intArg(t)
	case float32:
		return floatArg(t)
	case float64:
		return floatArg(t)
	default:
		return stringArg(fmt.Sprintf("%v", t))
	}
}

// NewCommand builds a command from a name and its arguments, e.g.
// NewCommand("SET", Str("foo"), Str("bar")).
func NewCommand(name string, args ...CommandArg) []CommandArg {
	cmd := make([]CommandArg, 0, len(args)+1)
	cmd = append(cmd, Str(name))
	cmd = append(cmd, args...)
	return cmd
}

// Encode renders a command as the literal RESP multibulk frame:
// "*K\r\n" followed by K "$L\r\nBYTES\r\n" segments. Encoding a command
// containing a float argument fails with ErrFloatUnsupported and writes
// nothing — the caller never has a partial frame to worry about.
func Encode(cmd []CommandArg) ([]byte, error) {
	parts := make([][]byte, len(cmd))
	for i, arg := range cmd {
		b, err := arg.encodeArg()
		if err != nil {
			return nil, err
		}
		parts[i] = b
	}

	var buf bytes.Buffer
	buf.Grow(estimateSize(parts))
	buf.WriteByte('*')
	buf.WriteString(strconv.Itoa(len(parts)))
	buf.WriteString(crlf)
	for _, b := range parts {
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(len(b)))
		buf.WriteString(crlf)
		buf.Write(b)
		buf.WriteString(crlf)
	}
	return buf.Bytes(), nil
}

func estimateSize(parts [][]byte) int {
	n := 16
	for _, b := range parts {
		n += len(b) + 16
	}
	return n
}

// EncodePipeline concatenates the multibulk frames of a nonempty ordered
// sequence of commands; callers submit the result as one write so command
// order on the wire matches submission order.
func EncodePipeline(cmds [][]CommandArg) ([]byte, error) {
	var buf bytes.Buffer
	for _, cmd := range cmds {
		b, err := Encode(cmd)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}
