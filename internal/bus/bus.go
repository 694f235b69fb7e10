// Package bus implements the Event Bus: the topic-based publish/subscribe
// broker that maintains subscriber tables keyed by event type, by
// public-key identity, and by id, and fans packets out to interested
// subscribers except the originator.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/telemetry"
)

// ErrSubscriberTableMiss marks a publish of a type with no subscribers.
// Recovery is a silent no-op; it is exposed only so callers that want to
// observe the condition (e.g. for metrics) can do so.
var ErrSubscriberTableMiss = errors.New("bus: no subscribers for event type")

// Record is a broker-side descriptor of one subscriber endpoint. Two
// records are equal iff their ids match.
type Record struct {
	ID        int64
	Host      string
	Port      int
	PublicKey []byte
}

// Equal reports whether r and other describe the same subscriber record.
func (r Record) Equal(other Record) bool { return r.ID == other.ID }

func sameEndpoint(a, b Record) bool { return a.Host == b.Host && a.Port == b.Port }

// Sender is the outbound side the bus fans packets out through: enqueuing
// onto it is "sending", with encryption and framing handled downstream.
// recipientKey is passed alongside the packet because the wire packet
// model carries no destination-key field (only origin_public_key) — the
// bus is the thing that knows which key a given (host, port) resolves to.
type Sender interface {
	Enqueue(p *packet.Packet, recipientKey []byte)
}

// Bus owns the subscriber tables and the publish/fanout logic. All mutation
// of the tables goes through its methods, per the single-owner rule, and
// Publish is expected to be called only from the dispatcher worker so the
// tables never need their own cross-goroutine fencing beyond the mutex
// below (held for safety against test harnesses touching the tables
// directly, not because multiple production callers are expected).
type Bus struct {
	mu       sync.Mutex
	byEvent  map[string][]Record
	byPubKey map[string]Record
	byID     map[int64]Record
	nextID   int64

	ownPublicKey []byte
	sender       Sender
	log          logr.Logger
	telemetry    *telemetry.Telemetry
}

// New builds an empty Bus. ownPublicKey is used to fill an absent
// origin_public_key on normalization, mirroring the broker stamping its
// own identity onto packets that don't carry one yet.
func New(ownPublicKey []byte, sender Sender, log logr.Logger, tel *telemetry.Telemetry) *Bus {
	return &Bus{
		byEvent:      make(map[string][]Record),
		byPubKey:     make(map[string]Record),
		byID:         make(map[int64]Record),
		ownPublicKey: ownPublicKey,
		sender:       sender,
		log:          log,
		telemetry:    tel,
	}
}

// SetSender installs the bus's outbound sender after construction. The
// sender typically needs the assembly the Bus itself is plugged into as
// a receiver, so the two are wired in two steps: New(..., nil, ...) then
// SetSender once the assembly exists.
func (b *Bus) SetSender(sender Sender) {
	b.mu.Lock()
	b.sender = sender
	b.mu.Unlock()
}

// Publish is the bus's only entry point. A BEGIN_CONNECTION packet mutates
// the subscriber tables and emits no response; any other packet is fanned
// out to its type's subscribers.
func (b *Bus) Publish(ctx context.Context, p *packet.Packet) error {
	ctx, span := b.telemetry.StartSpan(ctx, "bus.publish")
	defer span.End()
	b.normalize(p)

	if p.Type == packet.TypeBeginConnection {
		return b.handleBeginConnection(p)
	}
	return b.notifySubscribers(ctx, p)
}

// OnPacket adapts the Bus to dispatch.Receiver so it can be plugged
// directly into a Network Assembly as the broker process's application
// receiver.
func (b *Bus) OnPacket(ctx context.Context, p *packet.Packet) error {
	if err := b.Publish(ctx, p); err != nil {
		if errors.Is(err, ErrSubscriberTableMiss) {
			return nil
		}
		return err
	}
	return nil
}

// normalize fills origin_public_key with the bus's own key when the packet
// arrives without one.
func (b *Bus) normalize(p *packet.Packet) {
	if len(p.OriginPublicKey) == 0 {
		p.OriginPublicKey = b.ownPublicKey
	}
}

func (b *Bus) handleBeginConnection(p *packet.Packet) error {
	events, err := p.BeginConnectionEvents()
	if err != nil {
		return fmt.Errorf("bus: begin_connection: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	record := Record{Host: p.Host, Port: p.OriginPort, PublicKey: p.OriginPublicKey}

	// A reconnect from the same endpoint with a rotated key must evict the
	// prior record by (host, port), not by its old public key — looking it
	// up under the new key would always miss and leave the stale record
	// serving fanout under the wrong key forever.
	if existing, ok := b.findByEndpointLocked(record.Host, record.Port); ok {
		b.evictLocked(existing)
	}

	b.nextID++
	record.ID = b.nextID
	b.byID[record.ID] = record
	b.byPubKey[string(record.PublicKey)] = record

	for _, eventType := range events {
		b.insertByEventLocked(eventType, record)
	}
	return nil
}

// insertByEventLocked inserts record into by_event[eventType], skipping if
// a record at the same (host, port) is already present — idempotent
// subscribe.
func (b *Bus) insertByEventLocked(eventType string, record Record) {
	for _, existing := range b.byEvent[eventType] {
		if sameEndpoint(existing, record) {
			return
		}
	}
	b.byEvent[eventType] = append(b.byEvent[eventType], record)
}

// Register directly attaches record to event_type's subscriber list,
// outside the BEGIN_CONNECTION flow — used by server domain code on login.
// A prior record for the same logical identity (same host/port) is
// unregistered first, so a re-login replaces rather than duplicates.
func (b *Bus) Register(eventType string, record Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterByEndpointLocked(eventType, record)
	b.byEvent[eventType] = append(b.byEvent[eventType], record)
	b.byID[record.ID] = record
	if len(record.PublicKey) > 0 {
		b.byPubKey[string(record.PublicKey)] = record
	}
}

// Unregister removes record from event_type's subscriber list.
func (b *Bus) Unregister(eventType string, record Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeByIDFromEventLocked(eventType, record.ID)
}

func (b *Bus) unregisterByEndpointLocked(eventType string, record Record) {
	list := b.byEvent[eventType]
	filtered := list[:0]
	for _, existing := range list {
		if sameEndpoint(existing, record) {
			continue
		}
		filtered = append(filtered, existing)
	}
	b.byEvent[eventType] = filtered
}

func (b *Bus) removeByIDFromEventLocked(eventType string, id int64) {
	list := b.byEvent[eventType]
	filtered := list[:0]
	for _, existing := range list {
		if existing.ID == id {
			continue
		}
		filtered = append(filtered, existing)
	}
	b.byEvent[eventType] = filtered
}

// findByEndpointLocked returns the record currently registered at
// (host, port), regardless of which public key it was registered under.
func (b *Bus) findByEndpointLocked(host string, port int) (Record, bool) {
	for _, record := range b.byID {
		if record.Host == host && record.Port == port {
			return record, true
		}
	}
	return Record{}, false
}

// evictLocked removes a record from every table: by_id, by_public_key, and
// every by_event list, preserving the cross-table consistency invariant.
func (b *Bus) evictLocked(record Record) {
	delete(b.byID, record.ID)
	delete(b.byPubKey, string(record.PublicKey))
	for eventType := range b.byEvent {
		b.removeByIDFromEventLocked(eventType, record.ID)
	}
}

// RemoveByID evicts a record from every subscriber table.
func (b *Bus) RemoveByID(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if record, ok := b.byID[id]; ok {
		b.evictLocked(record)
	}
}

// notifySubscribers fans p out to every subscriber of p.Type except the
// originator, preserving by_event insertion order.
func (b *Bus) notifySubscribers(ctx context.Context, p *packet.Packet) error {
	b.mu.Lock()
	subscribers := append([]Record(nil), b.byEvent[p.Type]...)
	sender := b.sender
	b.mu.Unlock()

	if len(subscribers) == 0 {
		b.log.V(1).Info("no subscribers for event type", "type", p.Type)
		return fmt.Errorf("%w: %s", ErrSubscriberTableMiss, p.Type)
	}

	var delivered int64
	for _, r := range subscribers {
		if r.Host == p.Host && r.Port == p.OriginPort {
			continue
		}
		out := *p
		out.Host = r.Host
		out.DestPort = r.Port
		sender.Enqueue(&out, r.PublicKey)
		delivered++
	}
	b.telemetry.RecordNotified(ctx, delivered)
	return nil
}
