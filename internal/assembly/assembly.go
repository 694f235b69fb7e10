// Package assembly wires one process's Network Assembly: the Security
// Manager, the Outbound/Inbound queues, the Listener and Sender, and the
// Dispatcher, in the teacher's composition-root style.
package assembly

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/dispatch"
	"github.com/chatfabric/eventbus/internal/keycache"
	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/queue"
	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
	"github.com/chatfabric/eventbus/internal/transport"
)

// recipientRegistry maps a destination (host, port) to the public key the
// Sender should encrypt under. Entries are populated synchronously just
// before the corresponding packet is enqueued, since the packet model
// itself carries no destination-key field.
type recipientRegistry struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func newRecipientRegistry() *recipientRegistry {
	return &recipientRegistry{keys: make(map[string]*rsa.PublicKey)}
}

func endpointKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

func (r *recipientRegistry) Set(host string, port int, key *rsa.PublicKey) {
	if key == nil {
		return
	}
	r.mu.Lock()
	r.keys[endpointKey(host, port)] = key
	r.mu.Unlock()
}

// PublicKeyFor implements transport.RecipientKeys.
func (r *recipientRegistry) PublicKeyFor(host string, port int) (*rsa.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[endpointKey(host, port)]
	return key, ok
}

// outboundAdapter implements bus.Sender over an Outbound queue: it records
// the recipient's key in the registry, encodes the packet, and enqueues
// the text.
type outboundAdapter struct {
	queue    *queue.Outbound
	registry *recipientRegistry
	keyCache *keycache.Cache
	log      logr.Logger
}

// Enqueue implements bus.Sender: it records the recipient's key in the
// registry (keyed by the packet's own destination host/port, which the
// bus has just set during fanout) before handing the encoded text to the
// outbound queue. Key parsing goes through the key cache rather than
// re-parsing the PEM/ASN.1 bytes on every fanout.
func (a *outboundAdapter) Enqueue(p *packet.Packet, recipientKeyBytes []byte) {
	if len(recipientKeyBytes) > 0 {
		key, err := a.keyCache.Import(recipientKeyBytes)
		if err != nil {
			a.log.Error(err, "cannot import recipient public key, dropping packet", "host", p.Host, "port", p.DestPort)
			return
		}
		a.registry.Set(p.Host, p.DestPort, key)
	}

	text, err := p.Encode()
	if err != nil {
		a.log.Error(err, "cannot encode outbound packet")
		return
	}
	a.queue.Enqueue(string(text))
}

// Assembly is the per-process composition of queues, listener, sender,
// dispatcher, and security manager.
type Assembly struct {
	Security *security.Manager
	KeyCache *keycache.Cache
	Outbound *queue.Outbound
	Inbound  *queue.Inbound

	Listener   *transport.Listener
	Sender     *transport.Sender
	Dispatcher *dispatch.Dispatcher

	registry *recipientRegistry
	cancel   context.CancelFunc
}

// Options configures one Assembly.
type Options struct {
	Host        string
	Port        int
	DefaultHost string
	DefaultPort int
	Receiver    dispatch.Receiver
	Security    *security.Manager
	Log         logr.Logger
	Telemetry   *telemetry.Telemetry
}

// New builds and wires a complete Assembly; it does not yet accept
// connections — call Start for that.
func New(opts Options) (*Assembly, error) {
	kc, err := keycache.New()
	if err != nil {
		return nil, fmt.Errorf("assembly: keycache: %w", err)
	}

	registry := newRecipientRegistry()
	outboundQueue := queue.NewOutbound(queue.DefaultCapacity)
	inboundQueue := queue.NewInbound(queue.DefaultCapacity)

	sender := transport.NewSender(registry, opts.DefaultHost, opts.DefaultPort, opts.Log, opts.Telemetry)
	outboundQueue.SetObserver(sender.Observe)

	dispatcher := dispatch.New(opts.Receiver, opts.Log, opts.Telemetry)
	inboundQueue.AddObserver(dispatcher.Observe)

	listener, err := transport.NewListener(opts.Host, opts.Port, opts.Security, inboundQueue, opts.Log, opts.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("assembly: listener: %w", err)
	}

	return &Assembly{
		Security:   opts.Security,
		KeyCache:   kc,
		Outbound:   outboundQueue,
		Inbound:    inboundQueue,
		Listener:   listener,
		Sender:     sender,
		Dispatcher: dispatcher,
		registry:   registry,
	}, nil
}

// OutboundSender returns a bus.Sender view of this assembly's outbound
// pipeline, for plugging an Event Bus in as the process's application
// receiver.
func (a *Assembly) OutboundSender(log logr.Logger) *outboundAdapter {
	return &outboundAdapter{queue: a.Outbound, registry: a.registry, keyCache: a.KeyCache, log: log}
}

// RememberRecipient records host/port's public key so packets addressed
// there before any bus-driven registration (e.g. a client's first message
// to a known bus or server) still resolve a recipient key. Parsing goes
// through the key cache like every other recipient-key import.
func (a *Assembly) RememberRecipient(host string, port int, keyBytes []byte) error {
	key, err := a.KeyCache.Import(keyBytes)
	if err != nil {
		return fmt.Errorf("assembly: remember recipient: %w", err)
	}
	a.registry.Set(host, port, key)
	return nil
}

// Start runs the Listener's accept loop until ctx is canceled.
func (a *Assembly) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Listener.Serve(ctx)
}

// Stop flips the running flag, closes the listening socket, and releases
// the key cache. In-flight sends and per-connection workers drain
// naturally; queues are not force-drained.
func (a *Assembly) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.KeyCache.Close()
	return a.Listener.Close()
}
