// Package client exposes the two capabilities a caller submitting service
// requests needs: RequestWithRetry, a lazy-pirate request/reply wrapper
// around the intake endpoint, and SubscribeAndCollect, a bounded-deadline
// collector against the result-publisher endpoint. Both are free
// functions over internal/wire primitives, so callers never need to
// import internal/wire directly.
package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arborix/svcmesh/internal/protocol"
	"github.com/arborix/svcmesh/internal/wire"
)

// RetryOptions configures RequestWithRetry's lazy-pirate behavior: each
// attempt gets its own connection and its own timeout; a timed-out
// attempt is abandoned (the connection is closed, not reused) and a fresh
// attempt is made, up to MaxRetries attempts total. When every attempt
// fails, RequestWithRetry returns a zero-value IntakeReply and an error; it
// does not build a failure reply payload (success -1 plus a message).
type RetryOptions struct {
	AttemptTimeout time.Duration
	MaxRetries     int
}

// DefaultRetryOptions is a short per-attempt timeout with a handful of
// retries, suitable for a broker reachable on the local network.
var DefaultRetryOptions = RetryOptions{AttemptTimeout: 2 * time.Second, MaxRetries: 3}

// RequestWithRetry submits req to the broker's intake endpoint at addr,
// rebuilding the connection on every timed-out attempt. It makes at most
// opts.MaxRetries attempts total; if every attempt times out, the final
// transport error is still returned to the caller, wrapped with the retry
// count, alongside a zero-value IntakeReply.
func RequestWithRetry(addr string, req protocol.ServiceRequest, opts RetryOptions) (protocol.IntakeReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.IntakeReply{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		reply, err := attemptIntake(addr, body, opts.AttemptTimeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}

	return protocol.IntakeReply{}, fmt.Errorf("intake request exhausted %d retries: %w", opts.MaxRetries, lastErr)
}

func attemptIntake(addr string, body []byte, timeout time.Duration) (protocol.IntakeReply, error) {
	conn, err := wire.DialTimeout(addr, timeout)
	if err != nil {
		return protocol.IntakeReply{}, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if err := wire.WriteFrames(conn, []byte("client"), []byte{}, body); err != nil {
		return protocol.IntakeReply{}, err
	}

	frames, err := wire.ReadFrames(conn)
	if err != nil {
		return protocol.IntakeReply{}, err
	}
	if len(frames) != 3 {
		return protocol.IntakeReply{}, fmt.Errorf("intake reply: got %d frames, want 3", len(frames))
	}

	var reply protocol.IntakeReply
	if err := json.Unmarshal(frames[2], &reply); err != nil {
		return protocol.IntakeReply{}, fmt.Errorf("unmarshal intake reply: %w", err)
	}
	return reply, nil
}

// SubscribeAndCollect dials the broker's result-publisher endpoint,
// subscribes to topicPrefix (typically a correlation token), and returns
// whatever ServiceResult messages arrive before deadline elapses. An
// empty collection window is not an error: fan-out may have matched
// zero, one, or many agents, and all three are valid outcomes here.
func SubscribeAndCollect(addr, topicPrefix string, deadline time.Duration) ([]protocol.ServiceResult, error) {
	conn, err := wire.DialTimeout(addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.WriteFrames(conn, wire.EncodeSubscribe(topicPrefix)); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	deadlineAt := time.Now().Add(deadline)
	var results []protocol.ServiceResult
	for {
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			return results, nil
		}
		conn.SetReadDeadline(deadlineAt)

		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return results, nil
		}
		if len(frames) != 2 {
			continue
		}
		var result protocol.ServiceResult
		if err := json.Unmarshal(frames[1], &result); err != nil {
			continue
		}
		results = append(results, result)
	}
}
