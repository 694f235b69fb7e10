// Package transport implements the inbound Listener and outbound Sender
// halves of the network pipeline: TCP accept/dial, the dual-mode
// decrypt/encrypt fallback, and wire framing.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
	"github.com/chatfabric/eventbus/internal/wire"
)

// acceptTimeout bounds each Accept call so the loop can notice shutdown
// promptly, per the 1-second accept timeout.
const acceptTimeout = time.Second

// Inbox receives decrypted frame bodies as they arrive; internal/queue.Inbound
// satisfies this.
type Inbox interface {
	Enqueue(text string)
}

// Listener binds a host:port, accepts connections with a short timeout so
// shutdown is responsive, and hands each one to a short-lived worker that
// decrypts exactly one frame and enqueues it.
type Listener struct {
	security *security.Manager
	inbox    Inbox
	log      logr.Logger
	tel      *telemetry.Telemetry

	ln   *net.TCPListener
	port int
}

// NewListener binds host:port (port 0 picks an ephemeral port) with
// reuse-address semantics.
func NewListener(host string, port int, sec *security.Manager, inbox Inbox, log logr.Logger, tel *telemetry.Telemetry) (*Listener, error) {
	addr := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s:%d: %w", host, port, err)
	}
	return &Listener{
		security: sec,
		inbox:    inbox,
		log:      log.WithName("listener"),
		tel:      tel,
		ln:       ln,
		port:     ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the actual bound port, resolved even when 0 was requested.
func (l *Listener) Port() int { return l.port }

// Serve runs the accept loop until ctx is canceled. Each accepted
// connection is handed to a worker goroutine that reads, decrypts, and
// enqueues exactly one frame.
func (l *Listener) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				l.log.Error(err, "accept failed")
				continue
			}
		}
		go l.handleConnection(ctx, conn)
	}
}

// Close stops accepting new connections, interrupting a blocked Accept.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	ctx, span := l.tel.StartSpan(ctx, "listener.accept")
	span.SetAttributes(attribute.String("connection.id", connID))
	defer span.End()
	log := l.log.WithValues("connID", connID)

	envelope, err := wire.ReadFrame(conn)
	if err != nil {
		log.V(1).Info("frame read failed", "remote", conn.RemoteAddr(), "error", err.Error())
		return
	}

	plaintext, err := l.decryptDual(envelope)
	if err != nil {
		l.tel.RecordDecryptFailure(ctx)
		log.Error(err, "decrypt failed, dropping connection", "remote", conn.RemoteAddr())
		return
	}

	body, err := wire.UnpackPlaintext(plaintext)
	if err != nil {
		log.Error(err, "unpack plaintext failed")
		return
	}

	log.V(1).Info("frame decoded", "remote", conn.RemoteAddr(), "size", humanize.Bytes(uint64(len(body))))
	l.inbox.Enqueue(string(body))
}

// decryptDual tries the hybrid envelope first, then raw asymmetric
// decryption of the whole payload as the recovery path for peers that
// skipped the symmetric wrap for a very small message.
func (l *Listener) decryptDual(envelope []byte) ([]byte, error) {
	if plain, err := l.security.Decrypt(envelope); err == nil {
		return []byte(plain), nil
	}
	plain, err := l.security.DecryptRaw(envelope)
	if err != nil {
		return nil, fmt.Errorf("transport: both hybrid and raw decrypt failed: %w", err)
	}
	return []byte(plain), nil
}
