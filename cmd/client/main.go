// Command client is a minimal terminal chat client: it logs a stream of
// incoming events to stdout and reads outgoing messages from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chatfabric/eventbus/internal/assembly"
	"github.com/chatfabric/eventbus/internal/config"
	"github.com/chatfabric/eventbus/internal/logging"
	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
	clientdomain "github.com/chatfabric/eventbus/public/client"
)

func main() {
	os.Exit(run())
}

// consolePresenter prints every event the client receives to stdout.
type consolePresenter struct{}

func (consolePresenter) OnEvent(eventType string, content packet.Content, origin string) {
	fmt.Printf("[%s] %s: %v\n", eventType, origin, content)
}

func run() int {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: config error: %v\n", err)
		return 1
	}

	log, sink, err := logging.New(cfg.LogDir, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: logging error: %v\n", err)
		return 1
	}
	defer sink.Close()
	logging.SetGlobal(log)

	sec, err := loadOrCreateIdentity(cfg.KeyFile, cfg.PublicKeyFile)
	if err != nil {
		log.Error(err, "key material error")
		return 1
	}

	tel, err := telemetry.New()
	if err != nil {
		log.Error(err, "telemetry setup failed")
		return 1
	}

	receiver := clientdomain.New(consolePresenter{}, log)

	asm, err := assembly.New(assembly.Options{
		Host:        cfg.Host,
		Port:        cfg.PortIn,
		DefaultHost: cfg.HostServ,
		DefaultPort: cfg.PortServ,
		Receiver:    receiver,
		Security:    sec,
		Log:         log,
		Telemetry:   tel,
	})
	if err != nil {
		log.Error(err, "assembly wiring failed")
		return 1
	}

	serverKey, err := os.ReadFile(cfg.ServerPublicKeyFile)
	if err != nil {
		log.Error(err, "failed to read server public key file")
		return 1
	}
	if err := asm.RememberRecipient(cfg.HostServ, cfg.PortServ, serverKey); err != nil {
		log.Error(err, "failed to import server public key")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go asm.Start(ctx)

	sender := asm.OutboundSender(log)
	go readStdinLoop(ctx, sender, serverKey, cfg, sec)

	<-ctx.Done()
	log.Info("client shutting down")
	if err := asm.Stop(); err != nil {
		log.Error(err, "shutdown error")
		return 1
	}
	return 0
}

// readStdinLoop treats each line as a chat message addressed to ALL,
// published through the server's MESSAGE handler.
func readStdinLoop(ctx context.Context, sender interface {
	Enqueue(p *packet.Packet, recipientKey []byte)
}, serverKey []byte, cfg *config.Config, sec *security.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p := &packet.Packet{
			Type:            packet.TypeMessage,
			Content:         line,
			Origin:          cfg.Host,
			Destination:     "ALL",
			Host:            cfg.HostServ,
			DestPort:        cfg.PortServ,
			OriginPort:      cfg.PortIn,
			OriginPublicKey: sec.PublicKeyBytes(),
		}
		sender.Enqueue(p, serverKey)
	}
}

func loadOrCreateIdentity(keyFile, publicKeyFile string) (*security.Manager, error) {
	if keyFile != "" {
		if sec, err := security.Load(keyFile); err == nil {
			return sec, nil
		}
	}
	sec, err := security.New()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if keyFile != "" && publicKeyFile != "" {
		if err := sec.WriteKeyFiles(keyFile, publicKeyFile); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
	}
	return sec, nil
}
