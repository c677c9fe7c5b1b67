package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "media.hello"
	controlTypeHelloAck = "media.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	// Rejection codes carried in HelloAck.Code.
	AckCodeBadToken    uint32 = 1001
	AckCodeBadVersion  uint32 = 1002
	AckCodeDuplicateID uint32 = 1003

	maxControlLine = 16 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
	ErrRejected               = errors.New("session: handshake rejected")
)

// Hello opens a channel. PID lets a server on the same host watch the
// client process directly.
type Hello struct {
	ClientID        string `json:"client_id"`
	PID             int32  `json:"pid"`
	Token           string `json:"token,omitempty"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHello)
	}
	if h.PID < 0 {
		return fmt.Errorf("%w: negative pid", ErrInvalidHello)
	}
	if h.ProtocolVersion == 0 {
		return fmt.Errorf("%w: missing protocol_version", ErrInvalidHello)
	}
	return nil
}

// HelloAck answers a Hello.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	ClientID    string `json:"client_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

// Err is nil for accepted acks and wraps ErrRejected otherwise.
func (a HelloAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: code=%d %s", ErrRejected, a.Code, a.Message)
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &hello})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return controlEnvelope{}, err
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
