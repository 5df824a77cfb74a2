// Package agent provides the host-side client for communicating with the
// guest agent running inside a microvm sandbox via vsock. Adapted from
// PipeOpsHQ-firecracker-shim/pkg/agent/client.go: the original exposed a
// full container-lifecycle RPC surface (create/start/stop/remove
// container, get_stats); the Sandbox Backend contract this module
// implements only needs a single exec capability, so the RPC surface is
// narrowed to exec + ping while keeping the same JSON-RPC-over-vsock
// transport and call/waitForReady plumbing.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
)

// Client speaks JSON-RPC over vsock to the guest agent running inside a
// microvm sandbox.
type Client struct {
	mu sync.Mutex

	conn      net.Conn
	encoder   *json.Encoder
	decoder   *json.Decoder
	requestID uint64

	log *logrus.Entry
}

func NewClient(log *logrus.Entry) *Client {
	return &Client{log: log.WithField("component", "agent-client")}
}

// Connect dials the guest agent. Falls back to a unix socket (used by
// local dev/testing without a real vsock device) if vsock.Dial fails.
func (c *Client) Connect(ctx context.Context, vsockPath string, cid uint32, port uint32) error {
	c.log.WithFields(logrus.Fields{"vsock_path": vsockPath, "cid": cid, "port": port}).Info("connecting to guest agent")

	var conn net.Conn
	vsockConn, err := vsock.Dial(cid, port, &vsock.Config{})
	if err != nil {
		conn, err = net.DialTimeout("unix", vsockPath, 30*time.Second)
		if err != nil {
			return fmt.Errorf("connect to vsock: %w", err)
		}
	} else {
		conn = vsockConn
	}

	c.mu.Lock()
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.decoder = json.NewDecoder(conn)
	c.mu.Unlock()

	if err := c.waitForReady(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("agent not ready: %w", err)
	}

	c.log.Info("connected to guest agent")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ExecResult mirrors domain.ExecResult without importing pkg/domain, so
// this package stays usable standalone (matching the teacher's layering,
// where pkg/agent depended on pkg/domain only for shared container
// types — this narrower surface needs no such dependency).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs command inside the sandbox and returns (124, "", "timeout")
// when the deadline derived from ctx/timeoutSeconds expires before the
// agent responds.
func (c *Client) Exec(ctx context.Context, command string, timeoutSeconds int) (ExecResult, error) {
	execCtx := ctx
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}

	req := &Request{Method: "exec", Params: map[string]any{"command": command, "timeout": timeoutSeconds}}
	resp, err := c.call(execCtx, req)
	if err != nil {
		if execCtx.Err() != nil {
			return ExecResult{ExitCode: 124, Stderr: "timeout"}, nil
		}
		return ExecResult{}, err
	}
	if resp.Error != nil {
		return ExecResult{}, fmt.Errorf("exec failed: %s", resp.Error.Message)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		return ExecResult{}, fmt.Errorf("invalid exec response format")
	}
	exitCode, _ := result["exit_code"].(float64)
	stdout, _ := result["stdout"].(string)
	stderr, _ := result["stderr"].(string)
	return ExecResult{ExitCode: int(exitCode), Stdout: stdout, Stderr: stderr}, nil
}

// Ping checks guest agent responsiveness for health-check purposes.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, &Request{Method: "ping"})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ping failed: %s", resp.Error.Message)
	}
	return nil
}

// Request is a JSON-RPC request.
type Request struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	ID     uint64         `json:"id"`
	Result any            `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	req.ID = atomic.AddUint64(&c.requestID, 1)

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	if err := c.encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response ID mismatch: expected %d, got %d", req.ID, resp.ID)
	}
	return &resp, nil
}

func (c *Client) waitForReady(ctx context.Context) error {
	req := &Request{Method: "ping"}
	for i := 0; i < 30; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resp, err := c.call(ctx, req)
		if err == nil && resp.Error == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for agent")
}
