package transport

import (
	"context"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"golang.org/x/net/nettest"

	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
)

type fakeInbox struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeInbox) Enqueue(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, text)
}

func (f *fakeInbox) drain(t *testing.T, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.items) > 0 {
			item := f.items[0]
			f.mu.Unlock()
			return item
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("inbox never received a frame within %s", timeout)
	return ""
}

type staticRecipient struct {
	host string
	port int
	key  *rsa.PublicKey
}

func (s staticRecipient) PublicKeyFor(host string, port int) (*rsa.PublicKey, bool) {
	if host == s.host && port == s.port {
		return s.key, true
	}
	return nil, false
}

func TestSenderListenerRoundTrip(t *testing.T) {
	if !nettest.TestableNetwork("tcp") {
		t.Skip("tcp loopback not testable in this environment")
	}

	sec, err := security.New()
	if err != nil {
		t.Fatalf("security.New() error: %v", err)
	}
	tel, err := telemetry.New()
	if err != nil {
		t.Fatalf("telemetry.New() error: %v", err)
	}
	log := testr.New(t)

	inbox := &fakeInbox{}
	listener, err := NewListener("127.0.0.1", 0, sec, inbox, log, tel)
	if err != nil {
		t.Fatalf("NewListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	publicKey, err := security.ImportPublic(sec.PublicKeyBytes())
	if err != nil {
		t.Fatalf("ImportPublic() error: %v", err)
	}
	recipients := staticRecipient{host: "127.0.0.1", port: listener.Port(), key: publicKey}
	sender := NewSender(recipients, "127.0.0.1", listener.Port(), log, tel)

	sent := &packet.Packet{
		Type:     packet.TypeMessage,
		Content:  "hello over the wire",
		Host:     "127.0.0.1",
		DestPort: listener.Port(),
	}
	text, err := sent.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	sender.Observe(string(text))

	got := inbox.drain(t, 2*time.Second)
	received, err := packet.Decode([]byte(got))
	if err != nil {
		t.Fatalf("Decode() of received body error: %v", err)
	}
	if received.Type != packet.TypeMessage || received.Content != "hello over the wire" {
		t.Fatalf("got %+v", received)
	}
}
