package resp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, wire []byte, chunks []int) []Value {
	t.Helper()
	d := NewDecoder()
	var got []Value

	feed := wire
	if chunks == nil {
		chunks = []int{len(wire)}
	}
	i := 0
	for len(feed) > 0 || i < len(chunks) {
		n := 1
		if i < len(chunks) {
			n = chunks[i]
			i++
		}
		if n > len(feed) {
			n = len(feed)
		}
		d.Feed(feed[:n])
		feed = feed[n:]

		for {
			v, ok, err := d.Decode()
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, v)
		}
		if len(feed) == 0 {
			break
		}
	}
	return got
}

func TestDecodeSimpleString(t *testing.T) {
	got := decodeAll(t, []byte("+OK\r\n"), nil)
	require.Len(t, got, 1)
	assert.Equal(t, Value{Kind: SimpleString, Str: "OK"}, got[0])
}

func TestDecodeError(t *testing.T) {
	got := decodeAll(t, []byte("-WRONGPASS invalid username-password pair\r\n"), nil)
	require.Len(t, got, 1)
	assert.Equal(t, Error, got[0].Kind)
	assert.Equal(t, "WRONGPASS", got[0].ErrorKind())
}

func TestDecodeInteger(t *testing.T) {
	for _, n := range []int64{0, -1, 1, math.MinInt64, math.MaxInt64} {
		got := decodeAll(t, Encode(Int(n)), nil)
		require.Len(t, got, 1)
		assert.Equal(t, n, got[0].Int)
	}
}

func TestDecodeBulkString(t *testing.T) {
	got := decodeAll(t, []byte("$5\r\nhello\r\n"), nil)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello"), got[0].Bulk)
	assert.False(t, got[0].Null)
}

func TestDecodeBulkStringBinarySafe(t *testing.T) {
	payload := []byte{0x00, '\r', '\n', 0xff, 'a'}
	got := decodeAll(t, Encode(Bytes(payload)), nil)
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].Bulk)
}

func TestDecodeNullBulkString(t *testing.T) {
	got := decodeAll(t, []byte("$-1\r\n"), nil)
	require.Len(t, got, 1)
	assert.True(t, got[0].Null)
	assert.Nil(t, got[0].Bulk)
}

func TestDecodeEmptyBulkString(t *testing.T) {
	got := decodeAll(t, []byte("$0\r\n\r\n"), nil)
	require.Len(t, got, 1)
	assert.False(t, got[0].Null)
	assert.Equal(t, []byte{}, got[0].Bulk)
}

func TestDecodeArray(t *testing.T) {
	wire := []byte("*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	got := decodeAll(t, wire, nil)
	require.Len(t, got, 1)
	require.Len(t, got[0].Array, 2)
	assert.Equal(t, []byte("foo"), got[0].Array[0].Bulk)
	assert.Equal(t, []byte("bar"), got[0].Array[1].Bulk)
}

func TestDecodeNestedArray(t *testing.T) {
	wire := []byte("*2\r\n*1\r\n:1\r\n$-1\r\n")
	got := decodeAll(t, wire, nil)
	require.Len(t, got, 1)
	require.Len(t, got[0].Array, 2)
	require.Len(t, got[0].Array[0].Array, 1)
	assert.Equal(t, int64(1), got[0].Array[0].Array[0].Int)
	assert.True(t, got[0].Array[1].Null)
}

func TestDecodeNullArray(t *testing.T) {
	got := decodeAll(t, []byte("*-1\r\n"), nil)
	require.Len(t, got, 1)
	assert.True(t, got[0].Null)
	assert.Nil(t, got[0].Array)
}

func TestDecodePipelinedValues(t *testing.T) {
	wire := []byte("+OK\r\n$1\r\nv\r\n:42\r\n")
	got := decodeAll(t, wire, nil)
	require.Len(t, got, 3)
	assert.Equal(t, SimpleString, got[0].Kind)
	assert.Equal(t, []byte("v"), got[1].Bulk)
	assert.Equal(t, int64(42), got[2].Int)
}

// ChunkInvariance is a testable property from spec §8: for every byte
// stream that parses to a sequence of values, feeding it in any
// partitioning into chunks produces the same sequence, with no loss and no
// duplication — including the pathological case of one byte at a time.
func TestChunkInvariance(t *testing.T) {
	wire := []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n" +
		"+OK\r\n$1\r\nv\r\n:7\r\n-ERR oops\r\n$-1\r\n*-1\r\n")

	whole := decodeAll(t, wire, []int{len(wire)})
	// an empty, non-nil chunk list makes decodeAll feed one byte at a time
	oneByte := decodeAll(t, wire, []int{})

	require.Equal(t, len(whole), len(oneByte))
	for i := range whole {
		assert.Equal(t, whole[i], oneByte[i], "value %d differs under chunking", i)
	}

	// a few arbitrary partitions in between the extremes
	for _, chunks := range [][]int{
		{1, 5, 3, 100},
		{7, 7, 7, 7, 7, 7, 7, 7, 7, 7},
		{len(wire) / 2, len(wire)},
	} {
		got := decodeAll(t, wire, chunks)
		require.Equal(t, len(whole), len(got))
		for i := range whole {
			assert.Equal(t, whole[i], got[i])
		}
	}
}

func TestDecodeNeedsMoreBytesLeavesCursorUnchanged(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("$5\r\nhel"))
	_, ok, err := d.Decode()
	require.NoError(t, err)
	require.False(t, ok)

	d.Feed([]byte("lo\r\n"))
	v, ok, err := d.Decode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v.Bulk)
}

func TestDecodeProtocolErrors(t *testing.T) {
	cases := map[string][]byte{
		"bad tag":             []byte("!nope\r\n"),
		"bad integer":         []byte(":nope\r\n"),
		"bad bulk length":     []byte("$nope\r\n"),
		"missing crlf":        []byte("$3\r\nabc"),
		"bulk too large":      []byte("$536870913\r\n"),
		"bad bulk terminator": []byte("$3\r\nabcXY"),
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDecoder()
			d.Feed(wire)
			_, _, err := d.Decode()
			if name == "missing crlf" {
				// legitimately incomplete, not malformed yet
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var pe ProtocolError
			require.ErrorAs(t, err, &pe)
		})
	}
}

func TestRoundTripEncodeDecode(t *testing.T) {
	values := []Value{
		String("PONG"),
		{Kind: Error, Str: "ERR bad arg"},
		Int(0),
		Int(-1),
		Int(math.MaxInt64),
		Bytes([]byte("hello world")),
		Bytes([]byte{}),
		NullBulk(),
		NullArray(),
		{Kind: Array, Array: []Value{Int(1), Bytes([]byte("x")), NullBulk()}},
		{Kind: Array, Array: []Value{
			{Kind: Array, Array: []Value{Int(1), Int(2), Int(3)}},
			{Kind: Array, Array: []Value{String("Foo"), {Kind: Error, Str: "Bar"}}},
		}},
	}

	for _, v := range values {
		wire := Encode(v)
		d := NewDecoder()
		d.Feed(wire)
		got, ok, err := d.Decode()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestEncodeCommand(t *testing.T) {
	got := EncodeCommand([][]byte{[]byte("SET"), []byte("k"), []byte("v")})
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n", string(got))
}

func TestEncodeCommandBinarySafe(t *testing.T) {
	arg := []byte{0, '\r', '\n', 0xff}
	got := EncodeCommand([][]byte{[]byte("SET"), []byte("k"), arg})
	d := NewDecoder()
	d.Feed(got)
	v, ok, err := d.Decode()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, v.Array, 3)
	assert.Equal(t, arg, v.Array[2].Bulk)
}
