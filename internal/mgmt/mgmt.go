// Package mgmt is the shared implementation behind the management
// endpoint both the broker and the agent expose: a single-frame
// request/reply socket that dispatches a command word from a closed,
// role-specific set and always replies, never blocking on application
// work.
package mgmt

import (
	"encoding/json"
	"log"
	"net"
	"sync"

	"github.com/arborix/svcmesh/internal/protocol"
	"github.com/arborix/svcmesh/internal/wire"
)

// Dispatch resolves a management command to a reply. Implementations are
// expected to recognize only a fixed set of commands and return a
// Success: -1 reply for anything unrecognized or malformed.
type Dispatch func(cmd string) protocol.ManagementReply

// Server accepts connections on a single listener and answers each
// single-frame request with a single-frame JSON reply, in a goroutine per
// connection, matching the broker's treatment of its other endpoints.
type Server struct {
	name     string
	listener net.Listener
	dispatch Dispatch
	debug    bool

	wg sync.WaitGroup
}

// NewServer wraps an already-bound listener. name is used only for log
// lines (e.g. "broker:management", "agent:management").
func NewServer(name string, listener net.Listener, dispatch Dispatch, debug bool) *Server {
	return &Server{name: name, listener: listener, dispatch: dispatch, debug: debug}
}

// Serve accepts connections until the listener is closed. It returns once
// every spawned connection handler has exited.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			break
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
	s.wg.Wait()
}

// Close closes the underlying listener, causing Serve's accept loop to
// exit. It does not forcibly close in-flight connections; handle returns
// on its own once its current request/reply completes and the peer
// disconnects.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return
		}
		if len(frames) != 1 {
			s.reply(conn, protocol.ManagementReply{Success: -1, Msg: "expected a single request frame"})
			continue
		}

		var req protocol.ManagementRequest
		if err := json.Unmarshal(frames[0], &req); err != nil || req.Cmd == "" {
			s.reply(conn, protocol.ManagementReply{Success: -1, Msg: "missing or unparsable cmd"})
			continue
		}

		reply := s.dispatch(req.Cmd)
		s.reply(conn, reply)

		if s.debug {
			log.Printf("[%s] cmd=%s success=%d", s.name, req.Cmd, reply.Success)
		}
	}
}

func (s *Server) reply(conn net.Conn, reply protocol.ManagementReply) {
	body, err := json.Marshal(reply)
	if err != nil {
		// ManagementReply is always trivially marshalable; a failure here
		// would be a programmer error in a Dispatch's Result value.
		body, _ = json.Marshal(protocol.ManagementReply{Success: -1, Msg: "internal: reply not serializable"})
	}
	if err := wire.WriteFrames(conn, body); err != nil && s.debug {
		log.Printf("[%s] write reply: %v", s.name, err)
	}
}
