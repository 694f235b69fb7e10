// Package dispatch implements the thin adapter between the Inbound Queue
// and an application receiver.
package dispatch

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/telemetry"
)

// Receiver is the application-level contract every pipeline plugs into:
// the Event Bus, the server domain receiver, and the client receiver all
// satisfy this.
type Receiver interface {
	OnPacket(ctx context.Context, p *packet.Packet) error
}

// Dispatcher observes the Inbound Queue and forwards each parsed packet to
// a Receiver. Errors from the receiver are caught and logged; the
// dispatcher keeps draining rather than propagating them.
type Dispatcher struct {
	receiver Receiver
	log      logr.Logger
	tel      *telemetry.Telemetry
}

// New builds a Dispatcher that forwards to receiver.
func New(receiver Receiver, log logr.Logger, tel *telemetry.Telemetry) *Dispatcher {
	return &Dispatcher{receiver: receiver, log: log.WithName("dispatcher"), tel: tel}
}

// Observe is the Inbound Queue's observer callback: it decodes the frame
// body and calls the receiver, catching and logging any error or panic
// rather than letting it escape.
func (d *Dispatcher) Observe(text string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(nil, "receiver panicked", "recovered", r)
		}
	}()

	p, err := packet.Decode([]byte(text))
	if err != nil {
		d.log.Error(err, "dropping malformed inbound packet")
		return
	}

	ctx, span := d.tel.StartSpan(context.Background(), "dispatcher.on_packet")
	defer span.End()

	if err := d.receiver.OnPacket(ctx, p); err != nil {
		d.log.Error(err, "receiver returned error", "type", p.Type)
		return
	}
	d.tel.RecordDispatched(ctx)
}
