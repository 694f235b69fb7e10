package server

import (
	"context"
	"testing"

	"github.com/go-logr/logr/testr"

	"github.com/chatfabric/eventbus/internal/bus"
	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/userstore"
)

type capturedReply struct {
	packet       *packet.Packet
	recipientKey []byte
}

type fakeSender struct {
	sent []capturedReply
}

func (f *fakeSender) Enqueue(p *packet.Packet, recipientKey []byte) {
	f.sent = append(f.sent, capturedReply{packet: p, recipientKey: recipientKey})
}

func newTestReceiver(t *testing.T) (*Receiver, *fakeSender) {
	t.Helper()
	store, err := userstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("userstore.Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sender := &fakeSender{}
	b := bus.New([]byte("server-key"), sender, testr.New(t), nil)
	r := New(store, b, sender, "127.0.0.1", 9100, 0, testr.New(t))
	return r, sender
}

func TestRegisterNewUserRepliesOK(t *testing.T) {
	r, sender := newTestReceiver(t)
	ctx := context.Background()

	p := &packet.Packet{
		Type:    packet.TypeRegister,
		Content: map[string]interface{}{"username": "alice", "password": "hunter2"},
		Origin:  "alice", Host: "127.0.0.1", OriginPort: 7001,
	}
	if err := r.OnPacket(ctx, p); err != nil {
		t.Fatalf("OnPacket() error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].packet.Type != packet.TypeRegisterOK {
		t.Fatalf("expected REGISTER_OK reply, got %+v", sender.sent)
	}
}

func TestRegisterDuplicateRepliesFail(t *testing.T) {
	r, sender := newTestReceiver(t)
	ctx := context.Background()

	p := &packet.Packet{
		Type:    packet.TypeRegister,
		Content: map[string]interface{}{"username": "alice", "password": "hunter2"},
		Origin:  "alice", Host: "127.0.0.1", OriginPort: 7001,
	}
	if err := r.OnPacket(ctx, p); err != nil {
		t.Fatalf("first OnPacket() error: %v", err)
	}
	if err := r.OnPacket(ctx, p); err != nil {
		t.Fatalf("second OnPacket() error: %v", err)
	}
	if sender.sent[1].packet.Type != packet.TypeRegisterFail {
		t.Fatalf("expected REGISTER_FAIL on duplicate registration, got %+v", sender.sent[1].packet)
	}
}

func TestLoginSuccessBroadcastsUserList(t *testing.T) {
	r, sender := newTestReceiver(t)
	ctx := context.Background()

	register := &packet.Packet{
		Type:    packet.TypeRegister,
		Content: map[string]interface{}{"username": "alice", "password": "hunter2"},
		Origin:  "alice", Host: "127.0.0.1", OriginPort: 7001,
	}
	if err := r.OnPacket(ctx, register); err != nil {
		t.Fatalf("register OnPacket() error: %v", err)
	}

	login := &packet.Packet{
		Type:    packet.TypeLogin,
		Content: map[string]interface{}{"username": "alice", "password": "hunter2"},
		Origin:  "alice", Host: "127.0.0.1", OriginPort: 7001,
	}
	if err := r.OnPacket(ctx, login); err != nil {
		t.Fatalf("login OnPacket() error: %v", err)
	}

	var sawLoginOK, sawUserList bool
	for _, s := range sender.sent {
		switch s.packet.Type {
		case packet.TypeLoginOK:
			sawLoginOK = true
		case packet.TypeUserList:
			sawUserList = true
		}
	}
	if !sawLoginOK || !sawUserList {
		t.Fatalf("expected both LOGIN_OK and USER_LIST replies, got %+v", sender.sent)
	}
}

func TestLoginRejectsWhenServerFull(t *testing.T) {
	store, err := userstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("userstore.Open() error: %v", err)
	}
	defer store.Close()
	sender := &fakeSender{}
	b := bus.New([]byte("server-key"), sender, testr.New(t), nil)
	r := New(store, b, sender, "127.0.0.1", 9100, 1, testr.New(t))
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		reg := &packet.Packet{
			Type:    packet.TypeRegister,
			Content: map[string]interface{}{"username": name, "password": "pw"},
			Origin:  name, Host: "127.0.0.1", OriginPort: 7001,
		}
		if err := r.OnPacket(ctx, reg); err != nil {
			t.Fatalf("register %s error: %v", name, err)
		}
	}

	login := func(name string, port int) {
		p := &packet.Packet{
			Type:    packet.TypeLogin,
			Content: map[string]interface{}{"username": name, "password": "pw"},
			Origin:  name, Host: "127.0.0.1", OriginPort: port,
		}
		if err := r.OnPacket(ctx, p); err != nil {
			t.Fatalf("login %s error: %v", name, err)
		}
	}

	login("alice", 7001)
	login("bob", 7002)

	var sawError bool
	for _, s := range sender.sent {
		if s.packet.Type == packet.TypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected second login to be rejected once server is at capacity, got %+v", sender.sent)
	}
}

func TestMessagePublishesThroughBusWithoutErrorWhenNoSubscribers(t *testing.T) {
	r, _ := newTestReceiver(t)
	ctx := context.Background()

	p := &packet.Packet{Type: packet.TypeMessage, Content: "hi", Origin: "alice", Host: "127.0.0.1", OriginPort: 7001}
	if err := r.OnPacket(ctx, p); err != nil {
		t.Fatalf("expected no-subscriber publish to be swallowed, got %v", err)
	}
}

func TestRequestUsersRepliesWithRoster(t *testing.T) {
	r, sender := newTestReceiver(t)
	ctx := context.Background()

	p := &packet.Packet{Type: packet.TypeRequestUsers, Origin: "alice", Host: "127.0.0.1", OriginPort: 7001}
	if err := r.OnPacket(ctx, p); err != nil {
		t.Fatalf("OnPacket() error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].packet.Type != packet.TypeUserList {
		t.Fatalf("expected USER_LIST reply, got %+v", sender.sent)
	}
}
