// Package session tracks live host sessions and talks to their local RPC bridge.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/aether/pkg/taxonomy"
)

const (
	// TokenHeader authenticates calls to the bridge.
	TokenHeader = "X-Aether-Token"

	DefaultCallTimeout = 120 * time.Second
	DefaultPingTimeout = time.Second
)

// Client speaks the bridge's JSON protocol on the loopback interface.
type Client struct {
	host string
	http *http.Client
}

func NewClient() *Client {
	return &Client{host: "127.0.0.1", http: &http.Client{}}
}

type rpcRequest struct {
	Command string         `json:"command"`
	Payload map[string]any `json:"payload"`
}

type rpcResponse struct {
	OK      bool   `json:"ok"`
	Result  any    `json:"result"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Ping reports whether the bridge on port answers its health check.
func (c *Client) Ping(ctx context.Context, port int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/health"), nil)
	if err != nil {
		return false, err
	}

	var body rpcResponse
	if err := c.do(req, &body); err != nil {
		return false, err
	}

	return body.OK, nil
}

// Call posts one command and returns the bridge's result.
func (c *Client) Call(ctx context.Context, port int, token, command string, payload map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	if payload == nil {
		payload = map[string]any{}
	}

	data, err := json.Marshal(rpcRequest{Command: command, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, "/rpc"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, token)

	var body rpcResponse
	if err := c.do(req, &body); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, taxonomy.Wrap(taxonomy.CodeRPCTimeout, err,
				fmt.Sprintf("RPC request timed out after %dms", timeout.Milliseconds()))
		}

		return nil, err
	}

	if !body.OK {
		msg := body.Error
		if msg == "" {
			msg = "RPC command failed."
		}

		return nil, taxonomy.New(taxonomy.CodeRPCBridgeError, msg).WithDetail("code", body.Code)
	}

	return body.Result, nil
}

func (c *Client) url(port int, path string) string {
	return "http://" + c.host + ":" + strconv.Itoa(port) + path
}

func (c *Client) do(req *http.Request, out *rpcResponse) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeRPCBridgeError, err, "")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeRPCBridgeError, err, "")
	}

	var payload map[string]any

	decodeErr := json.Unmarshal(raw, out)
	if decodeErr == nil {
		_ = json.Unmarshal(raw, &payload)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return taxonomy.Wrap(taxonomy.CodeRPCBridgeError, decodeErr, "RPC bridge returned invalid JSON")
		}

		return nil
	}

	msg := out.Error
	if msg == "" {
		msg = out.Message
	}

	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	if msg == "" {
		msg = fmt.Sprintf("RPC request failed with status %d", resp.StatusCode)
	}

	e := taxonomy.New(taxonomy.CodeRPCBridgeError, msg).WithStatus(resp.StatusCode)
	if payload != nil {
		e = e.WithDetail("payload", payload)
	}

	if out.Code != "" {
		e = e.WithDetail("code", out.Code)
	}

	return e
}
