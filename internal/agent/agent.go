// Package agent implements the per-host worker: it subscribes to the
// broker's fan-out endpoint under its own OS family and node name (plus
// any configured topics), executes each matching request against the
// local service-control utility, and pushes the result back to the
// broker's sink endpoint. Processing is strictly FIFO per agent: a reader
// goroutine hands fan-out messages one at a time to the run loop, which
// executes and replies before taking the next request.
package agent

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/arborix/svcmesh/internal/config"
	"github.com/arborix/svcmesh/internal/hostinfo"
	"github.com/arborix/svcmesh/internal/mgmt"
	"github.com/arborix/svcmesh/internal/protocol"
	"github.com/arborix/svcmesh/internal/svcexec"
	"github.com/arborix/svcmesh/internal/wire"
)

const dialTimeout = 5 * time.Second

// Agent owns the three endpoints an agent uses: a fan-out subscriber
// connection, a sink pusher connection, and its own management listener.
type Agent struct {
	cfg     *config.AgentConfig
	invoker svcexec.Invoker
	debug   bool

	fanOutConn net.Conn
	sinkConn   net.Conn
	mgmtLn     net.Listener
	mgmtSrv    *mgmt.Server

	cancel       context.CancelFunc
	shuttingDown chan struct{}
}

// New dials the broker's fan-out and sink endpoints and binds the
// agent's own management listener. All three must succeed or New
// returns an error; nothing about the agent is usable with a partial
// connect.
func New(cfg *config.AgentConfig, invoker svcexec.Invoker) (*Agent, error) {
	a := &Agent{cfg: cfg, invoker: invoker, debug: cfg.Debug, shuttingDown: make(chan struct{})}

	var err error
	a.fanOutConn, err = wire.DialTimeout(cfg.BrokerFanOut.Address, dialTimeout)
	if err != nil {
		return nil, err
	}
	a.sinkConn, err = wire.DialTimeout(cfg.BrokerSink.Address, dialTimeout)
	if err != nil {
		a.fanOutConn.Close()
		return nil, err
	}
	a.mgmtLn, err = net.Listen("tcp", cfg.Management.Address)
	if err != nil {
		a.fanOutConn.Close()
		a.sinkConn.Close()
		return nil, err
	}
	a.mgmtSrv = mgmt.NewServer("agent:management", a.mgmtLn, a.dispatchManagement, a.debug)

	return a, nil
}

// Run subscribes to the agent's implicit and configured topic prefixes,
// then processes fan-out requests one at a time until ctx is cancelled or
// an agent.shutdown management command is received.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.subscribeAll(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	go a.mgmtSrv.Serve()

	requests := make(chan [][]byte)
	readErrs := make(chan error, 1)
	go func() {
		for {
			frames, err := wire.ReadFrames(a.fanOutConn)
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case requests <- frames:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			close(a.shuttingDown)
			a.fanOutConn.Close()
			a.sinkConn.Close()
			a.mgmtSrv.Close()
			return nil
		case err := <-readErrs:
			return err
		case frames := <-requests:
			a.handleRequest(ctx, frames)
		}
	}
}

func (a *Agent) subscribeAll() error {
	prefixes := append([]string{hostinfo.Family(), hostinfo.NodeName()}, a.cfg.SubscribePrefixes...)
	for _, prefix := range prefixes {
		if err := wire.WriteFrames(a.fanOutConn, wire.EncodeSubscribe(prefix)); err != nil {
			return err
		}
	}
	return nil
}

// handleRequest executes a single fan-out delivery to completion before
// the agent's loop reads its next message, preserving FIFO order per agent.
func (a *Agent) handleRequest(ctx context.Context, frames [][]byte) {
	if len(frames) != 2 {
		return
	}
	var req protocol.ServiceRequest
	if err := json.Unmarshal(frames[1], &req); err != nil {
		if a.debug {
			log.Printf("[agent] unparsable fan-out message on topic %q: %v", frames[0], err)
		}
		return
	}
	if req.Cmd == "" || req.Service == "" {
		result := protocol.ServiceResult{Success: -1, Msg: "Missing message properties", UUID: req.UUID}
		body, err := json.Marshal(result)
		if err != nil {
			return
		}
		if err := wire.WriteFrames(a.sinkConn, body); err != nil && a.debug {
			log.Printf("[agent] push result to sink: %v", err)
		}
		return
	}

	returnCode, stdout, stderr, err := a.invoker.Invoke(ctx, req.Service, req.Cmd)
	result := protocol.ServiceResult{
		Success: 0,
		Msg:     "ok",
		UUID:    req.UUID,
		Result: protocol.ExecResult{
			Node:       hostinfo.NodeName(),
			Service:    req.Service,
			ReturnCode: returnCode,
			Stdout:     stdout,
			Stderr:     stderr,
			Platform:   hostinfo.Platform(),
		},
	}
	if err != nil {
		result.Success = -1
		result.Msg = err.Error()
		result.Result.ReturnCode = -1
	}

	body, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		if a.debug {
			log.Printf("[agent] internal: result not serializable: %v", marshalErr)
		}
		return
	}
	if err := wire.WriteFrames(a.sinkConn, body); err != nil && a.debug {
		log.Printf("[agent] push result to sink: %v", err)
	}
}

func (a *Agent) dispatchManagement(cmd string) protocol.ManagementReply {
	switch cmd {
	case protocol.CmdAgentStatus:
		state := "running"
		select {
		case <-a.shuttingDown:
			state = "terminating"
		default:
		}
		return protocol.ManagementReply{Success: 0, Msg: "ok", Result: map[string]interface{}{
			"node":  hostinfo.NodeName(),
			"state": state,
		}}
	case protocol.CmdAgentShutdown:
		if a.cancel != nil {
			a.cancel()
		}
		return protocol.ManagementReply{Success: 0, Msg: "agent is shutting down"}
	default:
		return protocol.ManagementReply{Success: -1, Msg: "unrecognized command: " + cmd}
	}
}
