// Package server implements the authentication/state server's domain
// receiver: REGISTER, LOGIN, MESSAGE, and REQUEST_USERS, backed by a user
// repository and a bus-facing sender.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/bus"
	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/userstore"
)

// Sender is the outbound half the receiver replies through — the same
// contract the Event Bus uses, so REGISTER_OK/LOGIN_OK/ERROR replies and
// bus-routed broadcasts travel through the one pipeline.
type Sender interface {
	Enqueue(p *packet.Packet, recipientKey []byte)
}

// connectedUser tracks one logged-in session for the roster and the
// concurrent-user cap.
type connectedUser struct {
	username  string
	host      string
	port      int
	publicKey []byte
}

// Receiver is the server's domain logic, plugged into a Network Assembly
// as its application receiver.
type Receiver struct {
	store  *userstore.Store
	bus    *bus.Bus
	sender Sender
	log    logr.Logger

	ownHost string
	ownPort int

	maxConcurrentUsers int

	mu        sync.Mutex
	connected map[string]connectedUser
}

// New builds a server Receiver. maxConcurrentUsers <= 0 means unlimited.
func New(store *userstore.Store, b *bus.Bus, sender Sender, ownHost string, ownPort int, maxConcurrentUsers int, log logr.Logger) *Receiver {
	return &Receiver{
		store:              store,
		bus:                b,
		sender:             sender,
		log:                log.WithName("server"),
		ownHost:            ownHost,
		ownPort:            ownPort,
		maxConcurrentUsers: maxConcurrentUsers,
		connected:          make(map[string]connectedUser),
	}
}

// SetSender installs the receiver's outbound sender after construction,
// mirroring bus.Bus.SetSender — the sender typically needs the assembly
// this Receiver is plugged into, so the two are wired in two steps.
func (r *Receiver) SetSender(sender Sender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// OnPacket implements dispatch.Receiver.
func (r *Receiver) OnPacket(ctx context.Context, p *packet.Packet) error {
	switch p.Type {
	case packet.TypeRegister:
		return r.handleRegister(p)
	case packet.TypeLogin:
		return r.handleLogin(p)
	case packet.TypeMessage:
		return r.handleMessage(ctx, p)
	case packet.TypeRequestUsers:
		return r.handleRequestUsers(p)
	default:
		r.log.V(1).Info("ignoring unrecognized packet type", "type", p.Type)
		return nil
	}
}

func (r *Receiver) handleRegister(p *packet.Packet) error {
	creds, err := contentMap(p.Content)
	if err != nil {
		return r.reply(p, packet.TypeRegisterFail, "malformed REGISTER content")
	}
	username, _ := creds["username"].(string)
	password, _ := creds["password"].(string)
	if username == "" || password == "" {
		return r.reply(p, packet.TypeRegisterFail, "username and password required")
	}

	err = r.store.Register(username, password, p.Host, p.OriginPort, "", p.OriginPublicKey)
	if err != nil {
		return r.reply(p, packet.TypeRegisterFail, err.Error())
	}
	return r.reply(p, packet.TypeRegisterOK, "registered")
}

func (r *Receiver) handleLogin(p *packet.Packet) error {
	creds, err := contentMap(p.Content)
	if err != nil {
		return r.replyError(p, "malformed LOGIN content")
	}
	username, _ := creds["username"].(string)
	password, _ := creds["password"].(string)

	r.mu.Lock()
	if r.maxConcurrentUsers > 0 && len(r.connected) >= r.maxConcurrentUsers {
		r.mu.Unlock()
		return r.replyError(p, "server full")
	}
	r.mu.Unlock()

	user, err := r.store.Validate(username, password)
	if err != nil {
		return r.replyError(p, "invalid credentials")
	}

	if err := r.store.UpdateEndpoint(username, p.Host, p.OriginPort, p.OriginPublicKey); err != nil {
		r.log.Error(err, "failed to update endpoint", "username", username)
	}

	record := bus.Record{Host: p.Host, Port: p.OriginPort, PublicKey: p.OriginPublicKey}
	r.bus.Register(packet.TypeMessage, record)
	r.bus.Register(packet.TypeUserList, record)

	r.mu.Lock()
	r.connected[username] = connectedUser{username: username, host: p.Host, port: p.OriginPort, publicKey: p.OriginPublicKey}
	r.mu.Unlock()

	_ = user
	if err := r.reply(p, packet.TypeLoginOK, "welcome"); err != nil {
		return err
	}
	return r.broadcastUserList()
}

func (r *Receiver) handleMessage(ctx context.Context, p *packet.Packet) error {
	if err := r.bus.Publish(ctx, p); err != nil && !errors.Is(err, bus.ErrSubscriberTableMiss) {
		return fmt.Errorf("server: publish message: %w", err)
	}
	return nil
}

func (r *Receiver) handleRequestUsers(p *packet.Packet) error {
	return r.sendUserListTo(p.Host, p.OriginPort, p.OriginPublicKey)
}

// broadcastUserList sends USER_LIST to every currently connected user,
// mirroring the login roster broadcast.
func (r *Receiver) broadcastUserList() error {
	r.mu.Lock()
	users := make([]connectedUser, 0, len(r.connected))
	for _, u := range r.connected {
		users = append(users, u)
	}
	r.mu.Unlock()

	for _, u := range users {
		if err := r.sendUserListTo(u.host, u.port, u.publicKey); err != nil {
			r.log.Error(err, "failed to send user list", "username", u.username)
		}
	}
	return nil
}

func (r *Receiver) sendUserListTo(host string, port int, key []byte) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.connected))
	for name := range r.connected {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	p := &packet.Packet{
		Type:        packet.TypeUserList,
		Content:     names,
		Origin:      "SERVER",
		Destination: "",
		Host:        host,
		DestPort:    port,
	}
	r.sender.Enqueue(p, key)
	return nil
}

func (r *Receiver) reply(orig *packet.Packet, replyType, contentText string) error {
	reply := &packet.Packet{
		Type:        replyType,
		Content:     contentText,
		Origin:      "SERVER",
		Destination: orig.Origin,
		Host:        orig.Host,
		DestPort:    orig.OriginPort,
	}
	r.sender.Enqueue(reply, orig.OriginPublicKey)
	return nil
}

func (r *Receiver) replyError(orig *packet.Packet, message string) error {
	return r.reply(orig, packet.TypeError, message)
}

func contentMap(content packet.Content) (map[string]interface{}, error) {
	m, ok := content.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("server: content is not a mapping")
	}
	return m, nil
}
