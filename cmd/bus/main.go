// Command bus runs the broker process: a Network Assembly with the Event
// Bus plugged in as its application receiver.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatfabric/eventbus/internal/assembly"
	"github.com/chatfabric/eventbus/internal/bus"
	"github.com/chatfabric/eventbus/internal/config"
	"github.com/chatfabric/eventbus/internal/logging"
	"github.com/chatfabric/eventbus/internal/security"
	"github.com/chatfabric/eventbus/internal/telemetry"
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
		fmt.Fprintf(os.Stderr, "bus: config error: %v\n", err)
		return 1
	}

	log, sink, err := logging.New(cfg.LogDir, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bus: logging error: %v\n", err)
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

	eventBus := bus.New(sec.PublicKeyBytes(), nil, log, tel)

	asm, err := assembly.New(assembly.Options{
		Host:        cfg.Host,
		Port:        cfg.PortIn,
		DefaultHost: cfg.Host,
		DefaultPort: cfg.PortOut,
		Receiver:    eventBus,
		Security:    sec,
		Log:         log,
		Telemetry:   tel,
	})
	if err != nil {
		log.Error(err, "assembly wiring failed")
		return 1
	}

	// The Event Bus enqueues fanout deliveries through the same assembly
	// it is plugged into as a receiver — wire the sender side back in now
	// that the assembly (and its outbound queue) exists.
	eventBus.SetSender(asm.OutboundSender(log))

	log.Info("bus listening", "host", cfg.Host, "port", asm.Listener.Port())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go asm.Start(ctx)
	<-ctx.Done()

	log.Info("bus shutting down")
	if err := asm.Stop(); err != nil {
		log.Error(err, "shutdown error")
		return 1
	}
	return 0
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
