// Package protocol defines the JSON message shapes exchanged between
// clients, the broker, and agents, plus the correlation-token helper that
// ties a fanned-out request to the results it eventually produces.
//
// Every mapping here corresponds one-to-one with a mapping in the data
// model: a ServiceRequest travels client -> broker -> agent, a ServiceResult
// travels agent -> broker -> client, and ManagementRequest/ManagementReply
// are used on both the broker's and the agent's management endpoints.
package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// ServiceRequest is the payload a client submits to the broker's intake
// endpoint, and the payload the broker republishes on fan-out after
// stamping it with a fresh correlation token.
type ServiceRequest struct {
	Cmd     string `json:"cmd"`
	Service string `json:"service"`
	Topic   string `json:"topic"`
	UUID    string `json:"uuid,omitempty"`
}

// ExecResult carries the outcome of a single service-control invocation.
type ExecResult struct {
	Node       string `json:"node"`
	Service    string `json:"service"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Platform   string `json:"platform"`
}

// ServiceResult is the payload an agent pushes to the broker's sink
// endpoint, and the payload the broker republishes on the result-publisher
// endpoint keyed by the originating request's correlation token. Success is
// 0 for a normally-executed command, -1 when the request lacked a
// cmd/service field or the service utility could not be run.
type ServiceResult struct {
	Success int        `json:"success"`
	Msg     string     `json:"msg"`
	Result  ExecResult `json:"result"`
	UUID    string     `json:"uuid,omitempty"`
}

// ManagementRequest is sent to either the broker's or an agent's management
// endpoint. Cmd is required and must be one of the closed set of commands
// recognized by that endpoint.
type ManagementRequest struct {
	Cmd string `json:"cmd"`
}

// ManagementReply is the response to a ManagementRequest. Success is 0 on
// success, -1 on failure; Result is only populated for status queries.
type ManagementReply struct {
	Success int         `json:"success"`
	Msg     string      `json:"msg"`
	Result  interface{} `json:"result,omitempty"`
}

// IntakeReply is sent by the broker on the intake endpoint in response to a
// ServiceRequest, carrying the assigned correlation token and the port the
// client should subscribe to for results.
type IntakeReply struct {
	UUID string `json:"uuid"`
	Port int    `json:"port"`
}

// IntakeErrorReply is sent on the intake endpoint instead of an IntakeReply
// when the request could not be accepted: a malformed payload, a missing
// required field, or an internal marshaling failure. No correlation token
// is minted and nothing is published on fan-out.
type IntakeErrorReply struct {
	Success int    `json:"success"`
	Msg     string `json:"msg"`
}

// Management command names, the closed set recognized by broker and agent
// management endpoints.
const (
	CmdAgentStatus     = "agent.status"
	CmdAgentShutdown   = "agent.shutdown"
	CmdManagerStatus   = "manager.status"
	CmdManagerShutdown = "manager.shutdown"
)

// NewToken mints a fresh correlation token: a 128-bit random identifier
// rendered as a 32-character lowercase hex string. It is built on top of
// google/uuid's random (version 4) generator, stripping the canonical
// dashes so the result is a bare hex string rather than a dashed UUID.
func NewToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
