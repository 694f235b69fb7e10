// Command server runs the authentication/state server process: a Network
// Assembly with the server domain receiver plugged in, backed by a user
// repository and registered with the bus via BEGIN_CONNECTION.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/chatfabric/eventbus/internal/assembly"
	"github.com/chatfabric/eventbus/internal/bus"
	"github.com/chatfabric/eventbus/internal/config"
	"github.com/chatfabric/eventbus/internal/logging"
	"github.com/chatfabric/eventbus/internal/packet"
	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
	"github.com/chatfabric/eventbus/internal/userstore"
	serverdomain "github.com/chatfabric/eventbus/public/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: config error: %v\n", err)
		return 1
	}

	log, sink, err := logging.New(cfg.LogDir, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: logging error: %v\n", err)
		return 1
	}
	defer sink.Close()
	logging.SetGlobal(log)

	sec, err := loadOrCreateIdentity(cfg.KeyFile, cfg.PublicKeyFile)
	if err != nil {
		log.Error(err, "key material error")
		return 1
	}
	if cfg.ServerPublicKeyFile != "" {
		if err := os.WriteFile(cfg.ServerPublicKeyFile, sec.PublicKeyBytes(), 0644); err != nil {
			log.Error(err, "failed to write server public key file")
			return 1
		}
	}

	store, err := userstore.Open(cfg.UserFile)
	if err != nil {
		log.Error(err, "failed to open user store")
		return 1
	}
	defer store.Close()

	tel, err := telemetry.New()
	if err != nil {
		log.Error(err, "telemetry setup failed")
		return 1
	}

	localBus := bus.New(sec.PublicKeyBytes(), nil, log, tel)
	receiver := serverdomain.New(store, localBus, nil, cfg.Host, cfg.PortIn, cfg.MaxConcurrentUsers, log)

	asm, err := assembly.New(assembly.Options{
		Host:        cfg.Host,
		Port:        cfg.PortIn,
		DefaultHost: cfg.HostBus,
		DefaultPort: cfg.PortBus,
		Receiver:    receiver,
		Security:    sec,
		Log:         log,
		Telemetry:   tel,
	})
	if err != nil {
		log.Error(err, "assembly wiring failed")
		return 1
	}
	localBus.SetSender(asm.OutboundSender(log))
	receiver.SetSender(asm.OutboundSender(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registerWithBus(asm, cfg, sec, log); err != nil {
		log.Error(err, "failed to register with bus")
		return 1
	}

	log.Info("server listening", "host", cfg.Host, "port", asm.Listener.Port())

	go asm.Start(ctx)
	<-ctx.Done()

	log.Info("server shutting down")
	if err := asm.Stop(); err != nil {
		log.Error(err, "shutdown error")
		return 1
	}
	return 0
}

// registerWithBus sends a BEGIN_CONNECTION announcing interest in the
// event types the server's domain logic handles.
func registerWithBus(asm *assembly.Assembly, cfg *config.Config, sec *security.Manager, log logr.Logger) error {
	busKey, err := os.ReadFile(cfg.BusPublicKeyFile)
	if err != nil {
		return fmt.Errorf("read bus public key file %s: %w", cfg.BusPublicKeyFile, err)
	}
	if err := asm.RememberRecipient(cfg.HostBus, cfg.PortBus, busKey); err != nil {
		return err
	}
	p := &packet.Packet{
		Type:            packet.TypeBeginConnection,
		Content:         []interface{}{packet.TypeRegister, packet.TypeLogin, packet.TypeMessage, packet.TypeRequestUsers},
		Origin:          "SERVER",
		Host:            cfg.Host,
		OriginPort:      cfg.PortIn,
		OriginPublicKey: sec.PublicKeyBytes(),
	}
	asm.OutboundSender(log).Enqueue(p, busKey)
	return nil
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
