// Package broker implements the central dispatcher: it accepts service
// requests on intake, mints a correlation token for each, fans them out
// by topic to subscribed agents, collects results pushed back on sink,
// and republishes each result keyed by its token so the originating
// client can pick it up. Each endpoint runs its own accept loop with one
// goroutine per connection, coordinated through mutex-guarded shared
// state rather than a single cooperative loop.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/arborix/svcmesh/internal/config"
	"github.com/arborix/svcmesh/internal/mgmt"
	"github.com/arborix/svcmesh/internal/protocol"
	"github.com/arborix/svcmesh/internal/wire"
)

// State is the broker's coarse lifecycle state, reported by the
// management endpoint's manager.status command.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Broker owns the five endpoints the broker binds and the two subscriber
// registries (fan-out by topic, result-publisher by correlation token)
// that back them.
type Broker struct {
	cfg   *config.BrokerConfig
	debug bool

	intakeLn net.Listener
	fanOutLn net.Listener
	sinkLn   net.Listener
	resultLn net.Listener
	mgmtLn   net.Listener

	fanOut    *wire.Publisher
	resultPub *wire.Publisher
	mgmtSrv   *mgmt.Server

	state    atomic.Int32
	nextSub  atomic.Uint64
	resultPt int // numeric port reported in IntakeReply

	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New binds all five endpoints from cfg, returning an error that unwinds
// any partial bind if any one of them fails. Startup is bind-all-or-fail:
// a broker with only some endpoints bound is not usable.
func New(cfg *config.BrokerConfig) (*Broker, error) {
	b := &Broker{cfg: cfg, debug: cfg.Debug}
	b.state.Store(int32(StateInitializing))

	var err error
	b.intakeLn, err = net.Listen("tcp", cfg.Intake.Address)
	if err != nil {
		return nil, fmt.Errorf("bind intake: %w", err)
	}
	b.fanOutLn, err = net.Listen("tcp", cfg.FanOut.Address)
	if err != nil {
		b.intakeLn.Close()
		return nil, fmt.Errorf("bind fan-out: %w", err)
	}
	b.sinkLn, err = net.Listen("tcp", cfg.Sink.Address)
	if err != nil {
		b.intakeLn.Close()
		b.fanOutLn.Close()
		return nil, fmt.Errorf("bind sink: %w", err)
	}
	b.resultLn, err = net.Listen("tcp", cfg.ResultPublisher.Address)
	if err != nil {
		b.intakeLn.Close()
		b.fanOutLn.Close()
		b.sinkLn.Close()
		return nil, fmt.Errorf("bind result-publisher: %w", err)
	}
	b.mgmtLn, err = net.Listen("tcp", cfg.Management.Address)
	if err != nil {
		b.intakeLn.Close()
		b.fanOutLn.Close()
		b.sinkLn.Close()
		b.resultLn.Close()
		return nil, fmt.Errorf("bind management: %w", err)
	}

	if _, port, err := net.SplitHostPort(b.resultLn.Addr().String()); err == nil {
		b.resultPt, _ = strconv.Atoi(port)
	}

	b.fanOut = wire.NewPublisher(func(id string, subscribe bool, prefix string) {
		if b.debug {
			log.Printf("[broker:fan-out] subscriber=%s subscribe=%v prefix=%q", id, subscribe, prefix)
		}
	})
	b.resultPub = wire.NewPublisher(func(id string, subscribe bool, prefix string) {
		if b.debug {
			log.Printf("[broker:result-publisher] subscriber=%s subscribe=%v prefix=%q", id, subscribe, prefix)
		}
	})
	b.mgmtSrv = mgmt.NewServer("broker:management", b.mgmtLn, b.dispatchManagement, b.debug)

	return b, nil
}

// Run starts all five accept loops and blocks until ctx is cancelled or a
// manager.shutdown management command is received, then closes every
// listener and drains connection handlers before returning.
func (b *Broker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	b.state.Store(int32(StateRunning))

	b.wg.Add(5)
	go b.acceptLoop(b.intakeLn, b.handleIntakeConn)
	go b.acceptLoop(b.fanOutLn, b.handleFanOutConn)
	go b.acceptLoop(b.sinkLn, b.handleSinkConn)
	go b.acceptLoop(b.resultLn, b.handleResultConn)
	go func() {
		defer b.wg.Done()
		b.mgmtSrv.Serve()
	}()

	<-ctx.Done()
	b.state.Store(int32(StateTerminating))

	b.intakeLn.Close()
	b.fanOutLn.Close()
	b.sinkLn.Close()
	b.resultLn.Close()
	b.mgmtSrv.Close()

	b.wg.Wait()
}

func (b *Broker) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer b.wg.Done()
	var conns sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			handle(conn)
		}()
	}
	conns.Wait()
}

// handleIntakeConn serves the request/reply endpoint clients submit
// service requests on. The wire layout is three frames, mirroring a
// ROUTER/DEALER envelope: [identity, empty delimiter, payload]. The
// broker echoes the identity frame back unchanged.
func (b *Broker) handleIntakeConn(conn net.Conn) {
	defer conn.Close()
	for {
		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return
		}
		if len(frames) != 3 {
			b.replyIntakeError(conn, frames, "Request message should be in JSON format")
			continue
		}
		identity := frames[0]

		var req protocol.ServiceRequest
		if err := json.Unmarshal(frames[2], &req); err != nil {
			b.replyIntakeError(conn, frames, "Request message should be in JSON format")
			continue
		}
		if req.Service == "" || req.Topic == "" {
			b.replyIntakeError(conn, frames, "service and topic are required")
			continue
		}

		token := protocol.NewToken()
		req.UUID = token

		payload, err := json.Marshal(req)
		if err != nil {
			b.replyIntakeError(conn, frames, "internal: request not serializable")
			continue
		}

		reply := protocol.IntakeReply{UUID: token, Port: b.resultPt}
		replyBody, _ := json.Marshal(reply)
		if err := wire.WriteFrames(conn, identity, []byte{}, replyBody); err != nil {
			return
		}

		b.fanOut.Publish(req.Topic, payload)
	}
}

func (b *Broker) replyIntakeError(conn net.Conn, frames [][]byte, msg string) {
	var identity []byte
	if len(frames) > 0 {
		identity = frames[0]
	}
	body, _ := json.Marshal(protocol.IntakeErrorReply{Success: -1, Msg: msg})
	wire.WriteFrames(conn, identity, []byte{}, body)
}

// handleFanOutConn serves agents subscribing to the fan-out endpoint.
// Each frame received is a subscribe/unsubscribe notification; the
// publisher itself pushes two-frame {topic, payload} messages
// asynchronously from handleIntakeConn's goroutine.
func (b *Broker) handleFanOutConn(conn net.Conn) {
	subID := b.subscriberID("agent")
	b.fanOut.Add(subID, conn)
	defer b.fanOut.Remove(subID)
	defer conn.Close()

	for {
		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return
		}
		if len(frames) != 1 {
			continue
		}
		subscribe, prefix, ok := wire.DecodeNotification(frames[0])
		if !ok {
			continue
		}
		if subscribe {
			b.fanOut.Subscribe(subID, prefix)
		} else {
			b.fanOut.Unsubscribe(subID, prefix)
		}
	}
}

// handleResultConn serves clients subscribing to the result-publisher
// endpoint, keyed by the correlation token they received from intake.
func (b *Broker) handleResultConn(conn net.Conn) {
	subID := b.subscriberID("client")
	b.resultPub.Add(subID, conn)
	defer b.resultPub.Remove(subID)
	defer conn.Close()

	for {
		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return
		}
		if len(frames) != 1 {
			continue
		}
		subscribe, prefix, ok := wire.DecodeNotification(frames[0])
		if !ok {
			continue
		}
		if subscribe {
			b.resultPub.Subscribe(subID, prefix)
		} else {
			b.resultPub.Unsubscribe(subID, prefix)
		}
	}
}

// handleSinkConn serves agents pushing results one-way. Each single-frame
// message is a ServiceResult, republished on the result-publisher
// endpoint keyed by its correlation token.
func (b *Broker) handleSinkConn(conn net.Conn) {
	defer conn.Close()
	for {
		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return
		}
		if len(frames) != 1 {
			continue
		}
		var result protocol.ServiceResult
		if err := json.Unmarshal(frames[0], &result); err != nil {
			if b.debug {
				log.Printf("[broker:sink] unparsable result: %v", err)
			}
			continue
		}
		if result.UUID == "" {
			continue
		}
		b.resultPub.Publish(result.UUID, frames[0])
	}
}

func (b *Broker) dispatchManagement(cmd string) protocol.ManagementReply {
	switch cmd {
	case protocol.CmdManagerStatus:
		return protocol.ManagementReply{
			Success: 0,
			Msg:     "ok",
			Result: map[string]interface{}{
				"state":                State(b.state.Load()).String(),
				"fan_out_subscribers": b.fanOut.Count(),
				"result_subscribers": b.resultPub.Count(),
			},
		}
	case protocol.CmdManagerShutdown:
		if b.cancel != nil {
			b.cancel()
		}
		return protocol.ManagementReply{Success: 0, Msg: "Service Manager is shutting down"}
	default:
		return protocol.ManagementReply{Success: -1, Msg: "unrecognized command: " + cmd}
	}
}

func (b *Broker) subscriberID(role string) string {
	return role + "-" + strconv.FormatUint(b.nextSub.Add(1), 10)
}

// ResultPort returns the TCP port the result-publisher endpoint bound to,
// the value handed to clients in every IntakeReply.
func (b *Broker) ResultPort() int { return b.resultPt }

// State reports the broker's current lifecycle state.
func (b *Broker) State() State { return State(b.state.Load()) }

// Addrs reports the bound address of each endpoint, for logging at
// startup.
func (b *Broker) Addrs() string {
	return fmt.Sprintf("intake=%s fan-out=%s sink=%s result-publisher=%s management=%s",
		b.intakeLn.Addr(), b.fanOutLn.Addr(), b.sinkLn.Addr(), b.resultLn.Addr(), b.mgmtLn.Addr())
}
