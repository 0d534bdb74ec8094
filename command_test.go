package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSimpleCommand(t *testing.T) {
	b, err := Encode(NewCommand("SET", Str("foo"), Str("bar")))
	require.NoError(t, err)
	require.Equal(t, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n", string(b))
}

func TestEncodeIntArg(t *testing.T) {
	b, err := Encode(NewCommand("SELECT", Int(3)))
	require.NoError(t, err)
	require.Equal(t, "*2\r\n$6\r\nSELECT\r\n$1\r\n3\r\n", string(b))
}

func TestEncodeBytesArg(t *testing.T) {
	b, err := Encode(NewCommand("SET", Str("k"), Bytes([]byte{0x00, 0x01, 0xff})))
	require.NoError(t, err)
	require.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$3\r\n\x00\x01\xff\r\n", string(b))
}

func TestEncodeRejectsFloat(t *testing.T) {
	_, err := Encode(NewCommand("SET", Str("k"), Raw(3.14)))
	require.Error(t, err)
	var fe ErrFloatUnsupported
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 3.14, fe.Value)
}

func TestEncodeNoArgCommand(t *testing.T) {
	b, err := Encode([]CommandArg{Str("PING")})
	require.NoError(t, err)
	require.Equal(t, "*1\r\n$4\r\nPING\r\n", string(b))
}

func TestEncodePipelineConcatenates(t *testing.T) {
	cmds := [][]CommandArg{
		NewCommand("PING"),
		NewCommand("SET", Str("a"), Str("1")),
	}
	b, err := EncodePipeline(cmds)
	require.NoError(t, err)

	want := "*1\r\n$4\r\nPING\r\n" + "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n"
	require.Equal(t, want, string(b))
}

func TestEncodePipelineFailsOnFirstBadArg(t *testing.T) {
	cmds := [][]CommandArg{
		NewCommand("SET", Str("a"), Raw(1.5)),
		NewCommand("PING"),
	}
	_, err := EncodePipeline(cmds)
	require.Error(t, err)
}

func TestRawDispatch(t *testing.T) {
	require.IsType(t, stringArg(""), Raw("hi"))
	require.IsType(t, intArg(0), Raw(7))
	require.IsType(t, intArg(0), Raw(int64(7)))
	require.IsType(t, floatArg(0), Raw(1.0))
	require.IsType(t, bytesArg(nil), Raw([]byte("x")))
}
