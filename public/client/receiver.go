// Package client implements the chat client's domain receiver: it
// forwards LOGIN_OK, REGISTER_OK/REGISTER_FAIL, MESSAGE, USER_LIST, and
// ERROR packets to a presentation callback; any other packet type is
// logged and ignored.
package client

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/packet"
)

// Presenter receives fully decoded packets for display; a terminal UI,
// test harness, or GUI shell implements this.
type Presenter interface {
	OnEvent(eventType string, content packet.Content, origin string)
}

// Receiver adapts the pipeline's dispatch.Receiver contract to a
// Presenter, forwarding every packet of a recognized client-facing type.
type Receiver struct {
	presenter Presenter
	log       logr.Logger
}

// New builds a client Receiver that forwards to presenter.
func New(presenter Presenter, log logr.Logger) *Receiver {
	return &Receiver{presenter: presenter, log: log.WithName("client")}
}

// OnPacket implements dispatch.Receiver.
func (r *Receiver) OnPacket(_ context.Context, p *packet.Packet) error {
	switch p.Type {
	case packet.TypeLoginOK, packet.TypeRegisterOK, packet.TypeRegisterFail,
		packet.TypeMessage, packet.TypeUserList, packet.TypeError:
		r.presenter.OnEvent(p.Type, p.Content, p.Origin)
		return nil
	default:
		r.log.V(1).Info("ignoring unrecognized packet type", "type", p.Type)
		return nil
	}
}
