// Package handler implements the per-completion LM handler: a loopback
// TCP endpoint that lets sandboxed code issue nested model queries without
// sharing the controller's client objects directly.
//
// The wire protocol is newline-delimited JSON, versioned, with two request
// kinds: "single" (one prompt, one reply) and "batched" (a prompt sequence
// fanned out concurrently, replies in input order). Transport and client
// errors travel in the response envelope's error field; user code receives
// stringified errors rather than thrown exceptions.
package handler

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/haasonsaas/relm/pkg/models"
)

// ProtocolVersion identifies the wire format. Bump on incompatible change.
const ProtocolVersion = "v1"

// Request kinds accepted by the handler.
const (
	KindSingle  = "single"
	KindBatched = "batched"
)

// Request is one framed request from the environment to the handler.
type Request struct {
	Version string          `json:"version"`
	Kind    string          `json:"kind"`
	Prompt  models.Prompt   `json:"prompt,omitempty"`
	Prompts []models.Prompt `json:"prompts,omitempty"`

	// Model selects a registered client by model name. Empty routes to
	// the primary client.
	Model string `json:"model,omitempty"`
}

// Response is one framed reply. For single requests ChatCompletion is set
// on success; for batched requests Responses carries one entry per input
// prompt, in input order.
type Response struct {
	Success        bool                   `json:"success"`
	ChatCompletion *models.ChatCompletion `json:"chat_completion,omitempty"`
	Responses      []Response             `json:"responses,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// dialTimeout bounds how long a sub-query waits for the loopback connect.
const dialTimeout = 5 * time.Second

// Query performs exactly one synchronous RPC against the handler at addr
// and returns the resulting completion record. A fresh short-lived
// connection is opened per call; the environment's helpers never share
// the controller's clients.
func Query(addr string, prompt models.Prompt, model string) (*models.ChatCompletion, error) {
	req := Request{
		Version: ProtocolVersion,
		Kind:    KindSingle,
		Prompt:  prompt,
		Model:   model,
	}
	resp, err := roundTrip(addr, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("lm handler: %s", resp.Error)
	}
	if resp.ChatCompletion == nil {
		return nil, fmt.Errorf("lm handler: malformed response: missing chat_completion")
	}
	return resp.ChatCompletion, nil
}

// QueryBatched sends a batched request and returns per-prompt responses in
// input order. Partial failure is reported per index, never as an
// aggregate failure.
func QueryBatched(addr string, prompts []models.Prompt, model string) ([]Response, error) {
	req := Request{
		Version: ProtocolVersion,
		Kind:    KindBatched,
		Prompts: prompts,
		Model:   model,
	}
	resp, err := roundTrip(addr, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("lm handler: %s", resp.Error)
	}
	return resp.Responses, nil
}

func roundTrip(addr string, req Request) (*Response, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("lm handler: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return nil, fmt.Errorf("lm handler: send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("lm handler: read response: %w", err)
	}
	return &resp, nil
}
