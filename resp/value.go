// Package resp implements the RESP (REdis Serialization Protocol) wire
// format: an encoder for outgoing commands and a restartable, incremental
// decoder for incoming replies.
package resp

import "strings"

// Kind identifies which of the five RESP types a Value holds.
type Kind byte

const (
	SimpleString Kind = '+'
	Error        Kind = '-'
	Integer      Kind = ':'
	BulkString   Kind = '$'
	Array        Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case SimpleString:
		return "SimpleString"
	case Error:
		return "Error"
	case Integer:
		return "Integer"
	case BulkString:
		return "BulkString"
	case Array:
		return "Array"
	default:
		return "Unknown"
	}
}

// Value is the RESP sum type: exactly one of its fields is meaningful,
// selected by Kind.
type Value struct {
	Kind Kind

	// Str holds the payload of SimpleString and Error. For Error, it is the
	// full server line, e.g. "WRONGTYPE Operation against a wrong kind".
	Str string

	// Int holds the payload of Integer.
	Int int64

	// Bulk holds the payload of BulkString. Null is true when the bulk
	// string length was -1; Bulk is then nil. A zero-length (but non-null)
	// bulk string has Bulk set to a non-nil empty slice.
	Bulk []byte

	// Array holds the children of Array, decoded recursively. Null is true
	// when the array length was -1; Array is then nil.
	Array []Value

	// Null marks a null BulkString or null Array. Meaningless for the other
	// kinds.
	Null bool
}

// ErrorKind returns the first whitespace-separated token of an Error value,
// e.g. "ERR", "WRONGTYPE", "NOAUTH", "MOVED". It panics if Kind is not
// Error.
func (v Value) ErrorKind() string {
	if v.Kind != Error {
		panic("resp: ErrorKind called on non-Error Value")
	}
	if i := strings.IndexByte(v.Str, ' '); i >= 0 {
		return v.Str[:i]
	}
	return v.Str
}

// NullBulk is the null bulk string ($-1\r\n).
func NullBulk() Value { return Value{Kind: BulkString, Null: true} }

// NullArray is the null array (*-1\r\n).
func NullArray() Value { return Value{Kind: Array, Null: true} }

// Bytes constructs a non-null bulk string.
func Bytes(b []byte) Value { return Value{Kind: BulkString, Bulk: b} }

// String constructs a simple string.
func String(s string) Value { return Value{Kind: SimpleString, Str: s} }

// Int constructs an integer reply.
func Int(i int64) Value { return Value{Kind: Integer, Int: i} }
