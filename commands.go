package redis

import "github.com/nsrv/redisasync/resp"

// Command is the shape spec §6 describes for command leaves: a name, an
// idempotence flag used by the replay logic of §4.5, and a decoder from a
// matched RESP value to the command's typed result. Per-command leaves
// (C7) are out of scope for this package; the handful below exist only to
// exercise the core end to end — real leaves are generated mechanically
// from a table of these descriptors, as spec.md §1 describes.
type Command[T any] struct {
	Name       string
	Idempotent bool
	Decode     func(resp.Value) (T, error)
}

func (cmd Command[T]) newRequest(args ...[]byte) *Request[T] {
	frame := make([][]byte, 0, 1+len(args))
	frame = append(frame, []byte(cmd.Name))
	frame = append(frame, args...)
	return newRequest(resp.EncodeCommand(frame), cmd.Name, cmd.Idempotent, cmd.Decode)
}

func decodeSimpleString(cmdName string) func(resp.Value) (string, error) {
	return func(v resp.Value) (string, error) {
		if v.Kind != resp.SimpleString {
			return "", UnexpectedResponse{Command: cmdName, Got: v.Kind}
		}
		return v.Str, nil
	}
}

func decodeInteger(cmdName string) func(resp.Value) (int64, error) {
	return func(v resp.Value) (int64, error) {
		if v.Kind != resp.Integer {
			return 0, UnexpectedResponse{Command: cmdName, Got: v.Kind}
		}
		return v.Int, nil
	}
}

// decodeBulkBytes maps a (possibly null) bulk string onto a Go []byte,
// nil meaning absent — e.g. GET on a missing key (spec §8 scenario 3).
func decodeBulkBytes(cmdName string) func(resp.Value) ([]byte, error) {
	return func(v resp.Value) ([]byte, error) {
		if v.Kind != resp.BulkString {
			return nil, UnexpectedResponse{Command: cmdName, Got: v.Kind}
		}
		if v.Null {
			return nil, nil
		}
		return v.Bulk, nil
	}
}

func decodeStringArray(cmdName string) func(resp.Value) ([]string, error) {
	return func(v resp.Value) ([]string, error) {
		if v.Kind != resp.Array {
			return nil, UnexpectedResponse{Command: cmdName, Got: v.Kind}
		}
		if v.Null {
			return nil, nil
		}
		out := make([]string, len(v.Array))
		for i, e := range v.Array {
			if e.Kind != resp.BulkString || e.Null {
				return nil, UnexpectedResponse{Command: cmdName, Got: e.Kind}
			}
			out[i] = string(e.Bulk)
		}
		return out, nil
	}
}

func decodeSimpleOK(v resp.Value) (string, error) { return decodeSimpleString("PING")(v) }

var (
	pingCmd    = Command[string]{Name: "PING", Idempotent: true, Decode: decodeSimpleString("PING")}
	getCmd     = Command[[]byte]{Name: "GET", Idempotent: true, Decode: decodeBulkBytes("GET")}
	setCmd     = Command[string]{Name: "SET", Idempotent: false, Decode: decodeSimpleString("SET")}
	delCmd     = Command[int64]{Name: "DEL", Idempotent: true, Decode: decodeInteger("DEL")}
	existsCmd  = Command[int64]{Name: "EXISTS", Idempotent: true, Decode: decodeInteger("EXISTS")}
	keysCmd    = Command[[]string]{Name: "KEYS", Idempotent: true, Decode: decodeStringArray("KEYS")}
	publishCmd = Command[int64]{Name: "PUBLISH", Idempotent: false, Decode: decodeInteger("PUBLISH")}
)

// Ping executes PING; spec §8 scenario 1.
func (c *Client) Ping() (string, error) {
	req := pingCmd.newRequest()
	if err := c.submit(req); err != nil {
		return "", err
	}
	return req.Await(c.opts.ReceiveTimeout)
}

// Get executes GET. A missing key decodes to (nil, nil) — spec §8 scenario 3.
func (c *Client) Get(key string) ([]byte, error) {
	req := getCmd.newRequest([]byte(key))
	if err := c.submit(req); err != nil {
		return nil, err
	}
	return req.Await(c.opts.ReceiveTimeout)
}

// Set executes SET. It is not idempotent: a connection drop between the
// write and the +OK leaves the caller unable to tell whether the server
// applied it, so a drop mid-flight surfaces ConnectionClosed rather than
// being replayed (spec §8 scenario 6).
func (c *Client) Set(key string, value []byte) error {
	req := setCmd.newRequest([]byte(key), value)
	if err := c.submit(req); err != nil {
		return err
	}
	_, err := req.Await(c.opts.ReceiveTimeout)
	return err
}

// Del executes DEL. Deleting an already-deleted key has no further effect,
// so it is marked idempotent and safe to replay after a drop.
func (c *Client) Del(keys ...string) (int64, error) {
	req := delCmd.newRequest(stringsToBytes(keys)...)
	if err := c.submit(req); err != nil {
		return 0, err
	}
	return req.Await(c.opts.ReceiveTimeout)
}

// Exists executes EXISTS.
func (c *Client) Exists(keys ...string) (int64, error) {
	req := existsCmd.newRequest(stringsToBytes(keys)...)
	if err := c.submit(req); err != nil {
		return 0, err
	}
	return req.Await(c.opts.ReceiveTimeout)
}

// Keys executes KEYS pattern.
func (c *Client) Keys(pattern string) ([]string, error) {
	req := keysCmd.newRequest([]byte(pattern))
	if err := c.submit(req); err != nil {
		return nil, err
	}
	return req.Await(c.opts.ReceiveTimeout)
}

// Publish executes PUBLISH. It is not idempotent: replaying a publish after
// an ambiguous drop could deliver a message twice to live subscribers.
func (c *Client) Publish(channel string, message []byte) (int64, error) {
	req := publishCmd.newRequest([]byte(channel), message)
	if err := c.submit(req); err != nil {
		return 0, err
	}
	return req.Await(c.opts.ReceiveTimeout)
}

func stringsToBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
