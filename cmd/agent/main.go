// Command agent runs a single per-host worker: it subscribes to the
// broker's fan-out endpoint, executes matching service requests, and
// pushes results to the broker's sink endpoint.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arborix/svcmesh/internal/agent"
	"github.com/arborix/svcmesh/internal/config"
	"github.com/arborix/svcmesh/internal/svcexec"
)

func main() {
	var cfg *config.AgentConfig
	var configSource string

	if len(os.Args) >= 2 {
		loaded, err := config.LoadAgent(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		configSource = "config file: " + os.Args[1]
	} else if _, err := os.Stat("config/agent.yaml"); err == nil {
		loaded, err := config.LoadAgent("config/agent.yaml")
		if err != nil {
			log.Printf("config/agent.yaml exists but failed to load: %v", err)
			log.Printf("using hardcoded defaults instead")
			cfg = defaultAgentConfig()
			configSource = "hardcoded defaults (config/agent.yaml failed to parse)"
		} else {
			cfg = loaded
			configSource = "config/agent.yaml (default)"
		}
	} else {
		cfg = defaultAgentConfig()
		configSource = "hardcoded defaults"
	}

	log.Printf("starting svcmesh agent using %s", configSource)

	a, err := agent.New(cfg, svcexec.NewOSInvoker())
	if err != nil {
		log.Fatalf("agent startup failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
		cancel()
	case err := <-done:
		if err != nil {
			log.Printf("agent exited: %v", err)
		}
		return
	}

	select {
	case <-done:
		log.Println("agent shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}

func defaultAgentConfig() *config.AgentConfig {
	return &config.AgentConfig{
		AppName:      "svcmesh-agent",
		Debug:        true,
		BrokerFanOut: config.EndpointConfig{Address: "localhost:5702"},
		BrokerSink:   config.EndpointConfig{Address: "localhost:5703"},
		Management:   config.EndpointConfig{Address: ":5706"},
	}
}
