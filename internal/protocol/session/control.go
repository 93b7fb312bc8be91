package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/realmctl/internal/protocol/frame"
)

const (
	controlTypeHello    = "realm.hello"
	controlTypeHelloAck = "realm.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlBytes = 64 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the client's first message on a new connection.
type Hello struct {
	ClientName      string `json:"client_name"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientName) == "" {
		return fmt.Errorf("%w: missing client_name", ErrInvalidHello)
	}
	if h.ProtocolVersion == 0 {
		return fmt.Errorf("%w: missing protocol_version", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the server's answer. Accepted acks carry the session id and the
// chunk size the server will use.
type HelloAck struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id"`
	Message     string `json:"message,omitempty"`
	ChunkSize   int    `json:"chunk_size"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	switch strings.TrimSpace(a.Status) {
	case AckStatusAccepted:
		if strings.TrimSpace(a.SessionID) == "" {
			return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
		}
	case AckStatusRejected:
	default:
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

// NewHello fills in the current protocol version.
func NewHello(clientName string) Hello {
	return Hello{ClientName: clientName, ProtocolVersion: frame.Version}
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

// MarshalHello renders the envelope without a trailing newline, the form a
// websocket text message carries.
func MarshalHello(h Hello) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func UnmarshalHello(b []byte) (Hello, error) {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func MarshalHelloAck(a HelloAck) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeHelloAck, Ack: &a})
}

func UnmarshalHelloAck(b []byte) (HelloAck, error) {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func WriteHello(w io.Writer, h Hello) error {
	b, err := MarshalHello(h)
	if err != nil {
		return err
	}
	return writeLine(w, b)
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	line, err := readLine(r)
	if err != nil {
		return Hello{}, err
	}
	return UnmarshalHello(line)
}

func WriteHelloAck(w io.Writer, a HelloAck) error {
	b, err := MarshalHelloAck(a)
	if err != nil {
		return err
	}
	return writeLine(w, b)
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	line, err := readLine(r)
	if err != nil {
		return HelloAck{}, err
	}
	return UnmarshalHelloAck(line)
}

func writeLine(w io.Writer, b []byte) error {
	_, err := w.Write(append(b, '\n'))
	return err
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlBytes {
			return nil, ErrControlMessageTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func unmarshalEnvelope(b []byte) (controlEnvelope, error) {
	if len(b) > maxControlBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
