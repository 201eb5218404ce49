// Command broker runs the central dispatcher: intake, fan-out, sink,
// result-publisher, and management, all bound from one YAML config file.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arborix/svcmesh/internal/broker"
	"github.com/arborix/svcmesh/internal/config"
)

func main() {
	var cfg *config.BrokerConfig
	var configSource string

	if len(os.Args) >= 2 {
		loaded, err := config.LoadBroker(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		configSource = "config file: " + os.Args[1]
	} else if _, err := os.Stat("config/broker.yaml"); err == nil {
		loaded, err := config.LoadBroker("config/broker.yaml")
		if err != nil {
			log.Printf("config/broker.yaml exists but failed to load: %v", err)
			log.Printf("using hardcoded defaults instead")
			cfg = defaultBrokerConfig()
			configSource = "hardcoded defaults (config/broker.yaml failed to parse)"
		} else {
			cfg = loaded
			configSource = "config/broker.yaml (default)"
		}
	} else {
		cfg = defaultBrokerConfig()
		configSource = "hardcoded defaults"
	}

	log.Printf("starting svcmesh broker using %s", configSource)

	b, err := broker.New(cfg)
	if err != nil {
		log.Fatalf("broker startup failed: %v", err)
	}
	log.Printf("broker bound: %s", b.Addrs())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
	case <-done:
		log.Println("broker stopped by management command")
		return
	}

	cancel()

	select {
	case <-done:
		log.Println("broker shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}

func defaultBrokerConfig() *config.BrokerConfig {
	return &config.BrokerConfig{
		AppName:              "svcmesh-broker",
		Debug:                true,
		Intake:               config.EndpointConfig{Address: ":5701"},
		FanOut:               config.EndpointConfig{Address: ":5702"},
		Sink:                 config.EndpointConfig{Address: ":5703"},
		ResultPublisher:      config.EndpointConfig{Address: ":5704"},
		Management:           config.EndpointConfig{Address: ":5705"},
		IntakeTimeoutSeconds: 10,
	}
}
