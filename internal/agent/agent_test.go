package agent

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/arborix/svcmesh/internal/config"
	"github.com/arborix/svcmesh/internal/hostinfo"
	"github.com/arborix/svcmesh/internal/protocol"
	"github.com/arborix/svcmesh/internal/wire"
)

type fakeInvoker struct {
	returnCode int
	stdout     string
	stderr     string
	err        error
	invoked    chan string
}

func (f *fakeInvoker) Invoke(ctx context.Context, service, cmd string) (int, string, string, error) {
	if f.invoked != nil {
		f.invoked <- service + " " + cmd
	}
	return f.returnCode, f.stdout, f.stderr, f.err
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestAgentSubscribesToImplicitPrefixesOnStartup(t *testing.T) {
	fanOutLn := listenLoopback(t)
	defer fanOutLn.Close()
	sinkLn := listenLoopback(t)
	defer sinkLn.Close()
	mgmtLn := listenLoopback(t)
	mgmtLn.Close() // unused: the agent binds its own ephemeral port from cfg below

	fanOutAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := fanOutLn.Accept()
		if err == nil {
			fanOutAccepted <- conn
		}
	}()
	sinkAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := sinkLn.Accept()
		if err == nil {
			sinkAccepted <- conn
		}
	}()

	cfg := &config.AgentConfig{
		BrokerFanOut: config.EndpointConfig{Address: fanOutLn.Addr().String()},
		BrokerSink:   config.EndpointConfig{Address: sinkLn.Addr().String()},
		Management:   config.EndpointConfig{Address: "127.0.0.1:0"},
	}

	a, err := New(cfg, &fakeInvoker{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	var fanOutSrv net.Conn
	select {
	case fanOutSrv = <-fanOutAccepted:
	case <-time.After(time.Second):
		t.Fatal("broker side never accepted fan-out connection")
	}
	defer fanOutSrv.Close()

	select {
	case conn := <-sinkAccepted:
		defer conn.Close()
	case <-time.After(time.Second):
		t.Fatal("broker side never accepted sink connection")
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		frames, err := wire.ReadFrames(fanOutSrv)
		if err != nil {
			t.Fatalf("ReadFrames subscribe notification: %v", err)
		}
		_, prefix, ok := wire.DecodeNotification(frames[0])
		if !ok {
			t.Fatalf("frame %d did not decode as a notification", i)
		}
		seen[prefix] = true
	}
	if !seen[hostinfo.Family()] {
		t.Errorf("agent never subscribed to its OS family %q", hostinfo.Family())
	}
	if !seen[hostinfo.NodeName()] {
		t.Errorf("agent never subscribed to its node name %q", hostinfo.NodeName())
	}
}

func TestAgentExecutesRequestAndPushesResultToSink(t *testing.T) {
	fanOutLn := listenLoopback(t)
	defer fanOutLn.Close()
	sinkLn := listenLoopback(t)
	defer sinkLn.Close()

	fanOutAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := fanOutLn.Accept()
		fanOutAccepted <- conn
	}()
	sinkAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := sinkLn.Accept()
		sinkAccepted <- conn
	}()

	cfg := &config.AgentConfig{
		BrokerFanOut: config.EndpointConfig{Address: fanOutLn.Addr().String()},
		BrokerSink:   config.EndpointConfig{Address: sinkLn.Addr().String()},
		Management:   config.EndpointConfig{Address: "127.0.0.1:0"},
	}
	invoker := &fakeInvoker{returnCode: 0, stdout: "sshd is running\n", invoked: make(chan string, 1)}

	a, err := New(cfg, invoker)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	fanOutSrv := <-fanOutAccepted
	defer fanOutSrv.Close()
	sinkSrv := <-sinkAccepted
	defer sinkSrv.Close()

	// drain the two implicit subscribe notifications before delivering.
	for i := 0; i < 2; i++ {
		if _, err := wire.ReadFrames(fanOutSrv); err != nil {
			t.Fatalf("drain notification: %v", err)
		}
	}

	req := protocol.ServiceRequest{Cmd: "status", Service: "sshd", Topic: hostinfo.Family(), UUID: "abc123"}
	body, _ := json.Marshal(req)
	if err := wire.WriteFrames(fanOutSrv, []byte(hostinfo.Family()), body); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}

	select {
	case cmd := <-invoker.invoked:
		if cmd != "sshd status" {
			t.Fatalf("invoked = %q, want %q", cmd, "sshd status")
		}
	case <-time.After(time.Second):
		t.Fatal("invoker was never called")
	}

	frames, err := wire.ReadFrames(sinkSrv)
	if err != nil {
		t.Fatalf("ReadFrames sink: %v", err)
	}
	var result protocol.ServiceResult
	if err := json.Unmarshal(frames[0], &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.UUID != "abc123" {
		t.Fatalf("UUID = %q, want abc123", result.UUID)
	}
	if result.Result.Stdout != "sshd is running\n" {
		t.Fatalf("Stdout = %q", result.Result.Stdout)
	}
}

func TestAgentPushesMissingPropertiesResultWithoutInvoking(t *testing.T) {
	fanOutLn := listenLoopback(t)
	defer fanOutLn.Close()
	sinkLn := listenLoopback(t)
	defer sinkLn.Close()

	fanOutAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := fanOutLn.Accept()
		fanOutAccepted <- conn
	}()
	sinkAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := sinkLn.Accept()
		sinkAccepted <- conn
	}()

	cfg := &config.AgentConfig{
		BrokerFanOut: config.EndpointConfig{Address: fanOutLn.Addr().String()},
		BrokerSink:   config.EndpointConfig{Address: sinkLn.Addr().String()},
		Management:   config.EndpointConfig{Address: "127.0.0.1:0"},
	}
	invoker := &fakeInvoker{invoked: make(chan string, 1)}

	a, err := New(cfg, invoker)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	fanOutSrv := <-fanOutAccepted
	defer fanOutSrv.Close()
	sinkSrv := <-sinkAccepted
	defer sinkSrv.Close()

	for i := 0; i < 2; i++ {
		if _, err := wire.ReadFrames(fanOutSrv); err != nil {
			t.Fatalf("drain notification: %v", err)
		}
	}

	req := protocol.ServiceRequest{Service: "sshd", Topic: hostinfo.Family(), UUID: "abc123"}
	body, _ := json.Marshal(req)
	if err := wire.WriteFrames(fanOutSrv, []byte(hostinfo.Family()), body); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}

	frames, err := wire.ReadFrames(sinkSrv)
	if err != nil {
		t.Fatalf("ReadFrames sink: %v", err)
	}
	var result protocol.ServiceResult
	if err := json.Unmarshal(frames[0], &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Success != -1 || result.Msg != "Missing message properties" {
		t.Fatalf("result = %+v, want {-1, Missing message properties}", result)
	}
	if result.UUID != "abc123" {
		t.Fatalf("UUID = %q, want abc123", result.UUID)
	}

	select {
	case cmd := <-invoker.invoked:
		t.Fatalf("invoker was unexpectedly called with %q", cmd)
	default:
	}
}

func TestAgentShutdownStopsTheLoop(t *testing.T) {
	fanOutLn := listenLoopback(t)
	defer fanOutLn.Close()
	sinkLn := listenLoopback(t)
	defer sinkLn.Close()

	fanOutAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := fanOutLn.Accept()
		fanOutAccepted <- conn
	}()
	sinkAccepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := sinkLn.Accept()
		sinkAccepted <- conn
	}()

	cfg := &config.AgentConfig{
		BrokerFanOut: config.EndpointConfig{Address: fanOutLn.Addr().String()},
		BrokerSink:   config.EndpointConfig{Address: sinkLn.Addr().String()},
		Management:   config.EndpointConfig{Address: "127.0.0.1:0"},
	}
	a, err := New(cfg, &fakeInvoker{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	fanOutSrv := <-fanOutAccepted
	defer fanOutSrv.Close()
	sinkSrv := <-sinkAccepted
	defer sinkSrv.Close()

	mgmtConn, err := net.Dial("tcp", a.mgmtLn.Addr().String())
	if err != nil {
		t.Fatalf("dial management: %v", err)
	}
	req, _ := json.Marshal(protocol.ManagementRequest{Cmd: protocol.CmdAgentShutdown})
	if err := wire.WriteFrames(mgmtConn, req); err != nil {
		t.Fatalf("WriteFrames: %v", err)
	}
	frames, err := wire.ReadFrames(mgmtConn)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	var reply protocol.ManagementReply
	if err := json.Unmarshal(frames[0], &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply.Success != 0 {
		t.Fatalf("Success = %d, want 0", reply.Success)
	}
	mgmtConn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not stop after agent.shutdown")
	}
}
