package resp

import "strconv"

// EncodeCommand serializes a non-empty, ordered sequence of byte-string
// arguments as a RESP array of bulk strings — the wire shape every Redis
// command takes. It is binary-safe: arguments may contain any byte,
// including NUL and CR/LF.
func EncodeCommand(args [][]byte) []byte {
	size := 1 + len(itoaScratch(len(args))) + 2
	for _, a := range args {
		size += 1 + len(itoaScratch(len(a))) + 2 + len(a) + 2
	}
	buf := make([]byte, 0, size)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, a...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// EncodeCommandStrings is a convenience wrapper of EncodeCommand for string
// arguments.
func EncodeCommandStrings(args ...string) []byte {
	b := make([][]byte, len(args))
	for i, a := range args {
		b[i] = []byte(a)
	}
	return EncodeCommand(b)
}

func itoaScratch(n int) []byte {
	return strconv.AppendInt(nil, int64(n), 10)
}

// Encode serializes an arbitrary Value as a RESP frame. It is the inverse of
// Decoder.Decode and is used chiefly by tests asserting the round-trip
// property; command submission uses the narrower, allocation-conscious
// EncodeCommand instead.
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case SimpleString:
		buf = append(buf, '+')
		buf = append(buf, v.Str...)
		return append(buf, '\r', '\n')

	case Error:
		buf = append(buf, '-')
		buf = append(buf, v.Str...)
		return append(buf, '\r', '\n')

	case Integer:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, v.Int, 10)
		return append(buf, '\r', '\n')

	case BulkString:
		if v.Null {
			return append(buf, '$', '-', '1', '\r', '\n')
		}
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(v.Bulk)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, v.Bulk...)
		return append(buf, '\r', '\n')

	case Array:
		if v.Null {
			return append(buf, '*', '-', '1', '\r', '\n')
		}
		buf = append(buf, '*')
		buf = strconv.AppendInt(buf, int64(len(v.Array)), 10)
		buf = append(buf, '\r', '\n')
		for _, child := range v.Array {
			buf = appendValue(buf, child)
		}
		return buf

	default:
		panic("resp: unknown Kind in Encode")
	}
}
