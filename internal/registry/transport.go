package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Transport is any duplex byte channel that can carry frames to an
// agent. Incoming frames arrive on Receive; the channel closes when
// the transport does.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive() <-chan []byte
	Close() error
}

// Dialer re-establishes a transport during reconnection.
type Dialer func(ctx context.Context, agent string) (Transport, error)

// FrameKind distinguishes control frames from message payloads.
type FrameKind string

const (
	FramePing    FrameKind = "ping"
	FramePong    FrameKind = "pong"
	FrameMessage FrameKind = "message"
	FrameAck     FrameKind = "ack"
	FrameRead    FrameKind = "read"
)

// Frame is the wire envelope exchanged over a connection.
type Frame struct {
	Kind      FrameKind       `json:"kind"`
	MessageID string          `json:"message_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame serializes a frame for transport.
func EncodeFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// DecodeFrame parses a received frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Kind == "" {
		return Frame{}, errors.New("frame missing kind")
	}
	return f, nil
}

// PipeTransport is an in-process transport backed by channels. Both
// halves of a Pipe see the other's sends; used in tests and for
// same-process agents.
type PipeTransport struct {
	out    chan<- []byte
	recv   chan []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected transports. Closing either half closes
// both receive channels.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	closed := make(chan struct{})
	once := new(sync.Once)
	t1 := &PipeTransport{out: a, recv: make(chan []byte, 64), closed: closed, once: once}
	t2 := &PipeTransport{out: b, recv: make(chan []byte, 64), closed: closed, once: once}
	go pipePump(b, t1.recv, closed)
	go pipePump(a, t2.recv, closed)
	return t1, t2
}

func pipePump(in <-chan []byte, out chan []byte, closed <-chan struct{}) {
	defer close(out)
	for {
		select {
		case <-closed:
			return
		case data := <-in:
			select {
			case out <- data:
			case <-closed:
				return
			}
		}
	}
}

// Send delivers data to the peer, failing once either side closes.
func (t *PipeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	case t.out <- data:
		return nil
	}
}

// Receive returns the incoming frame channel. It closes when either
// half of the pipe closes.
func (t *PipeTransport) Receive() <-chan []byte {
	return t.recv
}

// Close tears down both halves of the pipe.
func (t *PipeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
