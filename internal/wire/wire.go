// Package wire implements the framed message format spoken on the
// mirrord control sockets.
//
// Every message is a 4-byte big-endian length header followed by that
// many bytes of UTF-8 JSON. A request carries a command name with
// positional and keyword arguments; a response carries a status code
// and either a result or an error with diagnostic traceback text.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
)

// MaxFrameSize caps a single framed message. Control traffic is small;
// anything larger indicates a corrupt or hostile peer.
const MaxFrameSize = 4 << 20

// ErrProtocol marks malformed frames: bad length headers, oversized
// frames, or bodies that do not decode as JSON.
var ErrProtocol = errors.New("wire: protocol error")

// Request is one command invocation sent to a peer.
type Request struct {
	Sender  string            `json:"sender,omitempty"`
	Dst     string            `json:"dst,omitempty"`
	Command string            `json:"command"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Kwargs  json.RawMessage   `json:"kwargs,omitempty"`
}

// DecodeKwargs unmarshals the keyword arguments into v. A request
// without kwargs decodes as an empty object.
func (r *Request) DecodeKwargs(v any) error {
	raw := r.Kwargs
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "wire: decode kwargs for "+r.Command)
	}
	return nil
}

// Response statuses. Zero means success; anything else is a failure
// whose Error field explains what went wrong.
const (
	StatusOK    = 0
	StatusError = 1
)

// Response answers exactly one Request on the same connection.
type Response struct {
	Sender string          `json:"sender,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the remote failure message. Traceback carries the
	// peer's diagnostic detail; it is for operators, never parsed.
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// DecodeResult unmarshals the result payload into v.
func (r *Response) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return errors.Wrap(err, "wire: decode result")
	}
	return nil
}

// WriteMessage frames and writes one message. The frame is assembled
// in full before writing so a partial write never leaves a valid
// header in front of a truncated body.
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "wire: marshal")
	}
	if len(body) > MaxFrameSize {
		return errors.Mark(errors.Newf("wire: frame too large: %d bytes", len(body)), ErrProtocol)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	// io.Writer contracts a full write or an error, so partial
	// writes surface here without extra looping.
	_, err = w.Write(frame)
	return errors.Wrap(err, "wire: write frame")
}

// ReadMessage reads one framed message into v, draining partial reads
// until the full body has arrived.
func ReadMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return errors.Mark(errors.Wrap(err, "wire: read header"), ErrProtocol)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return errors.Mark(errors.Newf("wire: frame length %d exceeds limit", length), ErrProtocol)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return errors.Mark(errors.Wrap(err, "wire: read body"), ErrProtocol)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return errors.Mark(errors.Wrap(err, "wire: unmarshal"), ErrProtocol)
	}
	return nil
}

// EncodeValue marshals a value as raw JSON for embedding in a
// request's kwargs or a response's result.
func EncodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal kwargs")
	}
	return body, nil
}
