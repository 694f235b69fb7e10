package dispatch

import (
	"context"
	"testing"

	"github.com/go-logr/logr/testr"

	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/telemetry"
)

type recordingReceiver struct {
	packets []*packet.Packet
	err     error
}

func (r *recordingReceiver) OnPacket(_ context.Context, p *packet.Packet) error {
	r.packets = append(r.packets, p)
	return r.err
}

func newTestDispatcher(t *testing.T, receiver Receiver) *Dispatcher {
	t.Helper()
	tel, err := telemetry.New()
	if err != nil {
		t.Fatalf("telemetry.New() error: %v", err)
	}
	return New(receiver, testr.New(t), tel)
}

func TestObserveDecodesAndForwards(t *testing.T) {
	receiver := &recordingReceiver{}
	d := newTestDispatcher(t, receiver)

	p := &packet.Packet{Type: packet.TypeMessage, Content: "hi"}
	text, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	d.Observe(string(text))

	if len(receiver.packets) != 1 {
		t.Fatalf("expected receiver to see 1 packet, got %d", len(receiver.packets))
	}
	if receiver.packets[0].Type != packet.TypeMessage {
		t.Fatalf("got type %q", receiver.packets[0].Type)
	}
}

func TestObserveDropsMalformedFrame(t *testing.T) {
	receiver := &recordingReceiver{}
	d := newTestDispatcher(t, receiver)

	d.Observe("not json at all")

	if len(receiver.packets) != 0 {
		t.Fatalf("expected malformed frame to never reach the receiver")
	}
}

func TestObserveWithNilTelemetryDoesNotPanic(t *testing.T) {
	receiver := &recordingReceiver{}
	d := New(receiver, testr.New(t), nil)

	p := &packet.Packet{Type: packet.TypeMessage, Content: "hi"}
	text, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	d.Observe(string(text))

	if len(receiver.packets) != 1 {
		t.Fatalf("expected receiver to see 1 packet, got %d", len(receiver.packets))
	}
}

func TestObserveSwallowsReceiverError(t *testing.T) {
	receiver := &recordingReceiver{err: errBoom}
	d := newTestDispatcher(t, receiver)

	p := &packet.Packet{Type: packet.TypeMessage, Content: "hi"}
	text, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	// Must not panic even though the receiver errors.
	d.Observe(string(text))

	if len(receiver.packets) != 1 {
		t.Fatalf("expected receiver to still be invoked once, got %d", len(receiver.packets))
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
