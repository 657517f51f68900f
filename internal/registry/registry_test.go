package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/models"
)

func TestBackoffFormula(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempt); got != c.want {
			t.Fatalf("attempt %d: expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Kind: FrameAck, MessageID: "m-1"}
	decoded, err := DecodeFrame(EncodeFrame(f))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != FrameAck || decoded.MessageID != "m-1" {
		t.Fatalf("unexpected frame %+v", decoded)
	}

	if _, err := DecodeFrame([]byte("{}")); err == nil {
		t.Fatal("expected error for frame without kind")
	}
	if _, err := DecodeFrame([]byte("not json")); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func newTestRegistry(t *testing.T, hooks Hooks) *Registry {
	t.Helper()
	return New(Options{PingInterval: time.Hour, QueueSize: 8}, hooks, zerolog.Nop())
}

// recvFrame reads one frame from a transport with a deadline.
func recvFrame(t *testing.T, tr Transport) Frame {
	t.Helper()
	select {
	case data := <-tr.Receive():
		f, err := DecodeFrame(data)
		if err != nil {
			t.Fatal(err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	disconnected := make(chan string, 1)
	r := newTestRegistry(t, Hooks{
		OnDisconnect: func(agent, reason string) { disconnected <- reason },
	})

	server, _ := Pipe()
	info, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Agent != "alice" || info.Status != models.ConnConnected {
		t.Fatalf("unexpected info %+v", info)
	}
	if !r.IsConnected("alice") {
		t.Fatal("expected alice connected")
	}
	if r.IsConnected("bob") {
		t.Fatal("bob never connected")
	}

	if err := r.Disconnect("alice"); err != nil {
		t.Fatal(err)
	}
	if r.IsConnected("alice") {
		t.Fatal("expected alice disconnected")
	}
	select {
	case reason := <-disconnected:
		if reason != "disconnect" {
			t.Fatalf("unexpected reason %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect never fired")
	}

	if err := r.Disconnect("alice"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectReplacesPrior(t *testing.T) {
	r := newTestRegistry(t, Hooks{})

	first, _ := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, first, nil); err != nil {
		t.Fatal(err)
	}
	firstID, _ := r.Info("alice")

	second, _ := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, second, nil); err != nil {
		t.Fatal(err)
	}
	secondID, ok := r.Info("alice")
	if !ok {
		t.Fatal("expected connection info")
	}
	if firstID.ID == secondID.ID {
		t.Fatal("expected a fresh connection id")
	}
	if !r.IsConnected("alice") {
		t.Fatal("replacement must stay connected")
	}
}

func TestEnqueueDeliversInOrder(t *testing.T) {
	r := newTestRegistry(t, Hooks{})

	server, client := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	first := models.NewMessage("c", "bob", "alice", models.TypeText, "one")
	second := models.NewMessage("c", "bob", "alice", models.TypeText, "two")
	if err := r.Enqueue("alice", first); err != nil {
		t.Fatal(err)
	}
	if err := r.Enqueue("alice", second); err != nil {
		t.Fatal(err)
	}

	for i, want := range []*models.Message{first, second} {
		frame := recvFrame(t, client)
		if frame.Kind != FrameMessage {
			t.Fatalf("frame %d: expected message kind, got %s", i, frame.Kind)
		}
		var got models.Message
		if err := json.Unmarshal(frame.Payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != want.ID {
			t.Fatalf("frame %d: expected %s, got %s", i, want.ID, got.ID)
		}
	}

	if err := r.Enqueue("bob", first); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	r := New(Options{PingInterval: time.Hour, QueueSize: 1}, Hooks{}, zerolog.Nop())

	// Nobody drains the peer, so once the pipe buffers fill the write
	// loop blocks and the outgoing queue stays full.
	server, _ := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	var sawFull bool
	for i := 0; i < 1000; i++ {
		msg := models.NewMessage("c", "bob", "alice", models.TypeText, "burst")
		if err := r.Enqueue("alice", msg); err == ErrQueueFull {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("expected ErrQueueFull under burst")
	}
}

func TestAckFrameFiresHookAndClearsPending(t *testing.T) {
	acked := make(chan string, 1)
	r := newTestRegistry(t, Hooks{
		OnAck: func(agent, messageID string) { acked <- messageID },
	})

	server, client := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	msg := models.NewMessage("c", "bob", "alice", models.TypeText, "ack me")
	msg.RequiresAck = true
	msg.AckTimeout = time.Minute
	if err := r.Enqueue("alice", msg); err != nil {
		t.Fatal(err)
	}
	recvFrame(t, client) // wait for the send so the deadline is recorded

	info, _ := r.Info("alice")
	if info.PendingAcks != 1 {
		t.Fatalf("expected 1 pending ack, got %d", info.PendingAcks)
	}

	if err := client.Send(context.Background(), EncodeFrame(Frame{Kind: FrameAck, MessageID: msg.ID})); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-acked:
		if id != msg.ID {
			t.Fatalf("expected ack for %s, got %s", msg.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAck never fired")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if info, _ := r.Info("alice"); info.PendingAcks == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending ack never cleared")
}

func TestCollectExpiredAcks(t *testing.T) {
	r := newTestRegistry(t, Hooks{})

	server, client := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	msg := models.NewMessage("c", "bob", "alice", models.TypeText, "never acked")
	msg.RequiresAck = true
	msg.AckTimeout = time.Minute
	if err := r.Enqueue("alice", msg); err != nil {
		t.Fatal(err)
	}
	recvFrame(t, client)

	if got := r.CollectExpiredAcks(time.Now()); len(got) != 0 {
		t.Fatalf("deadline not passed, got %d expirations", len(got))
	}

	expired := r.CollectExpiredAcks(time.Now().Add(2 * time.Minute))
	if len(expired) != 1 || expired[0].MessageID != msg.ID || expired[0].Agent != "alice" {
		t.Fatalf("unexpected expirations %+v", expired)
	}

	// Collection removes the entry; a second pass finds nothing.
	if got := r.CollectExpiredAcks(time.Now().Add(2 * time.Minute)); len(got) != 0 {
		t.Fatalf("expected empty second pass, got %+v", got)
	}
}

func TestPingFrameAnsweredWithPong(t *testing.T) {
	r := newTestRegistry(t, Hooks{})

	server, client := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	if err := client.Send(context.Background(), EncodeFrame(Frame{Kind: FramePing})); err != nil {
		t.Fatal(err)
	}
	frame := recvFrame(t, client)
	if frame.Kind != FramePong {
		t.Fatalf("expected pong, got %s", frame.Kind)
	}
}

func TestInboundMessageFiresHook(t *testing.T) {
	received := make(chan []byte, 1)
	r := newTestRegistry(t, Hooks{
		OnMessage: func(agent string, payload []byte) { received <- payload },
	})

	server, client := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"content":"hi"}`)
	frame := Frame{Kind: FrameMessage, MessageID: "m-9", Payload: payload}
	if err := client.Send(context.Background(), EncodeFrame(frame)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Fatalf("expected %s, got %s", payload, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage never fired")
	}
}

// failingTransport rejects every write; its receive channel stays open.
type failingTransport struct {
	recv chan []byte
}

func (f *failingTransport) Send(ctx context.Context, data []byte) error {
	return errors.New("wire down")
}
func (f *failingTransport) Receive() <-chan []byte { return f.recv }

func (f *failingTransport) Close() error { return nil }

func TestSendFailureFiresHook(t *testing.T) {
	failures := make(chan string, 1)
	r := newTestRegistry(t, Hooks{
		OnSendFailure: func(agent, messageID, reason string) { failures <- messageID },
	})

	tr := &failingTransport{recv: make(chan []byte)}
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, tr, nil); err != nil {
		t.Fatal(err)
	}

	msg := models.NewMessage("c", "bob", "alice", models.TypeText, "doomed")
	msg.RequiresAck = true
	if err := r.Enqueue("alice", msg); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-failures:
		if id != msg.ID {
			t.Fatalf("expected failure for %s, got %s", msg.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnSendFailure never fired for a failed write")
	}

	// A failed send records no ack deadline; the failure hook, not the
	// ack sweep, owns the retry.
	if got := r.CollectExpiredAcks(time.Now().Add(24 * time.Hour)); len(got) != 0 {
		t.Fatalf("expected no pending acks after a failed send, got %+v", got)
	}
}

func TestReconnectSwapsTransport(t *testing.T) {
	dialed := make(chan *PipeTransport, 1)
	r := newTestRegistry(t, Hooks{})

	dialer := func(ctx context.Context, agent string) (Transport, error) {
		next, nextClient := Pipe()
		dialed <- nextClient
		return next, nil
	}

	server, client := Pipe()
	opts := models.ConnectionOptions{AutoReconnect: true}
	if _, err := r.Connect(context.Background(), "alice", opts, server, dialer); err != nil {
		t.Fatal(err)
	}

	client.Close()

	var nextClient *PipeTransport
	select {
	case nextClient = <-dialed:
	case <-time.After(5 * time.Second):
		t.Fatal("dialer never invoked after transport drop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if info, ok := r.Info("alice"); ok && info.Status == models.ConnConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never returned to connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Writes after the swap must reach the replacement transport.
	msg := models.NewMessage("c", "bob", "alice", models.TypeText, "after reconnect")
	if err := r.Enqueue("alice", msg); err != nil {
		t.Fatal(err)
	}
	frame := recvFrame(t, nextClient)
	if frame.Kind != FrameMessage || frame.MessageID != msg.ID {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestTransportDropRemovesConnection(t *testing.T) {
	disconnected := make(chan string, 1)
	r := newTestRegistry(t, Hooks{
		OnDisconnect: func(agent, reason string) { disconnected <- reason },
	})

	server, client := Pipe()
	if _, err := r.Connect(context.Background(), "alice", models.ConnectionOptions{}, server, nil); err != nil {
		t.Fatal(err)
	}

	client.Close()

	select {
	case reason := <-disconnected:
		if reason != "transport closed" {
			t.Fatalf("unexpected reason %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drop never observed")
	}
	if r.IsConnected("alice") {
		t.Fatal("expected alice removed after transport drop")
	}
}
