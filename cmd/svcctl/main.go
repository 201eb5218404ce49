// Command svcctl is a small demonstration CLI for public/client: it
// submits one service request through intake with retry, then subscribes
// and collects results for a bounded window. Usage:
//
//	svcctl <broker-intake-addr> <broker-result-addr> <service> <cmd> <topic>
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/arborix/svcmesh/internal/protocol"
	"github.com/arborix/svcmesh/public/client"
)

func main() {
	if len(os.Args) != 6 {
		fmt.Fprintln(os.Stderr, "usage: svcctl <intake-addr> <result-addr> <service> <cmd> <topic>")
		os.Exit(2)
	}
	intakeAddr, resultAddr, service, cmd, topic := os.Args[1], os.Args[2], os.Args[3], os.Args[4], os.Args[5]

	req := protocol.ServiceRequest{Cmd: cmd, Service: service, Topic: topic}
	reply, err := client.RequestWithRetry(intakeAddr, req, client.DefaultRetryOptions)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	if reply.UUID == "" {
		log.Fatal("broker did not accept the request")
	}
	log.Printf("accepted, correlation token: %s", reply.UUID)

	results, err := client.SubscribeAndCollect(resultAddr, reply.UUID, 5*time.Second)
	if err != nil {
		log.Fatalf("collect failed: %v", err)
	}

	if len(results) == 0 {
		log.Println("no agent responded within the collection window")
		return
	}
	for _, result := range results {
		fmt.Printf("node=%s service=%s returncode=%d platform=%s\n",
			result.Result.Node, result.Result.Service, result.Result.ReturnCode, result.Result.Platform)
		if result.Result.Stdout != "" {
			fmt.Printf("  stdout: %s", result.Result.Stdout)
		}
		if result.Result.Stderr != "" {
			fmt.Printf("  stderr: %s", result.Result.Stderr)
		}
	}
}
