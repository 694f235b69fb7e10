package transport

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
	"github.com/chatfabric/eventbus/internal/wire"
)

// dialTimeout bounds the outbound TCP connect attempt.
const dialTimeout = 5 * time.Second

// ErrNetworkUnavailable marks a connect refusal or timeout; the packet is
// dropped with no retry.
var ErrNetworkUnavailable = errors.New("transport: network unavailable")

// RecipientKeys resolves the public key a destination host:port should be
// encrypted under. The application sets this before enqueueing; the
// Sender never guesses a key.
type RecipientKeys interface {
	PublicKeyFor(host string, port int) (*rsa.PublicKey, bool)
}

// Sender observes the Outbound Queue: on notify it receives one packet
// text, dials its destination, encrypts, frames, and writes — one
// connection per packet, closed after the single frame.
type Sender struct {
	recipients  RecipientKeys
	log         logr.Logger
	tel         *telemetry.Telemetry
	defaultHost string
	defaultPort int
}

// NewSender builds a Sender that resolves recipient keys via recipients.
// defaultHost/defaultPort are used only when a packet's own host/dest_port
// are absent — the packet is authoritative otherwise.
func NewSender(recipients RecipientKeys, defaultHost string, defaultPort int, log logr.Logger, tel *telemetry.Telemetry) *Sender {
	return &Sender{recipients: recipients, defaultHost: defaultHost, defaultPort: defaultPort, log: log.WithName("sender"), tel: tel}
}

// Observe is the Outbound Queue's observer callback: it parses host and
// dest_port out of the packet text it is handed to choose the destination.
func (s *Sender) Observe(text string) {
	p, err := packet.Decode([]byte(text))
	if err != nil {
		s.log.Error(err, "cannot send malformed packet text")
		return
	}

	host := p.Host
	if host == "" {
		host = s.defaultHost
	}
	port := p.DestPort
	if port == 0 {
		port = s.defaultPort
	}

	s.send(host, port, text)
}

func (s *Sender) send(host string, port int, text string) {
	ctx, span := s.tel.StartSpan(context.Background(), "sender.dial")
	defer span.End()

	recipient, ok := s.recipients.PublicKeyFor(host, port)
	if !ok {
		s.log.Error(fmt.Errorf("no known public key"), "cannot encrypt for destination", "host", host, "port", port)
		return
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), dialTimeout)
	if err != nil {
		s.log.V(1).Info("dial failed, dropping packet", "host", host, "port", port, "error", err.Error())
		return
	}
	defer conn.Close()

	envelope, err := s.encryptDual(text, recipient)
	if err != nil {
		s.log.Error(err, "encrypt failed, dropping packet", "host", host, "port", port)
		return
	}

	frame := wire.EncodeFrame(envelope)
	s.log.V(1).Info("sending frame", "host", host, "port", port, "size", humanize.Bytes(uint64(len(frame))), "fingerprint", telemetry.FrameFingerprint(frame))

	if _, err := conn.Write(frame); err != nil {
		s.log.V(1).Info("write failed, dropping packet", "host", host, "port", port, "error", err.Error())
		return
	}
	_ = ctx
}

// encryptDual tries the hybrid envelope first; if that fails it falls back
// to raw asymmetric encryption, only legal when the packed plaintext fits
// within the recipient key's raw-OAEP size limit.
func (s *Sender) encryptDual(text string, recipient *rsa.PublicKey) ([]byte, error) {
	packed := wire.PackPlaintext([]byte(text))

	envelope, err := security.Encrypt(string(packed), recipient)
	if err == nil {
		return envelope, nil
	}

	raw, rawErr := security.EncryptRaw(string(packed), recipient)
	if rawErr != nil {
		return nil, fmt.Errorf("hybrid: %v; raw: %w", err, rawErr)
	}
	return raw, nil
}
