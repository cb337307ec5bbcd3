package speech

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine bridges to a synthesis backend running as a subprocess speaking
// newline-delimited JSON on stdio. Useful for wrapping vendor SDKs that have
// no Go bindings.
type ExecEngine struct {
	cmd []string
}

type execRequest struct {
	Op         string          `json:"op"` // open, context, speak, turn_start, close
	Endpoint   string          `json:"endpoint,omitempty"`
	EndpointID string          `json:"endpoint_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SSML       string          `json:"ssml,omitempty"`
}

type execResponse struct {
	ResultID  string `json:"result_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"` // success, canceled
	Error     string `json:"error,omitempty"`
	TurnStart string `json:"turn_start,omitempty"`
}

func NewExecEngine(command string) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command empty")
	}
	return &ExecEngine{cmd: args}, nil
}

func (e *ExecEngine) Open(ctx context.Context, params SessionParams) (Conn, error) {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.Command(base, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start speech command: %w", err)
	}

	conn := &execConn{
		cmd:   cmd,
		stdin: stdin,
		out:   bufio.NewScanner(stdout),
	}
	if _, err := conn.roundTrip(ctx, execRequest{Op: "open", Endpoint: params.Endpoint, EndpointID: params.EndpointID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open synthesis session: %w", err)
	}
	return conn, nil
}

type execConn struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Scanner
	closed bool
}

func (c *execConn) roundTrip(ctx context.Context, req execRequest) (execResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return execResponse{}, fmt.Errorf("synthesis connection closed")
	}
	if err := ctx.Err(); err != nil {
		return execResponse{}, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return execResponse{}, fmt.Errorf("write to speech command: %w", err)
	}

	if !c.out.Scan() {
		if err := c.out.Err(); err != nil {
			return execResponse{}, fmt.Errorf("read from speech command: %w", err)
		}
		return execResponse{}, fmt.Errorf("speech command closed its output")
	}
	var resp execResponse
	if err := json.Unmarshal(c.out.Bytes(), &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode speech command response: %w", err)
	}
	return resp, nil
}

func (c *execConn) SetContext(ctx context.Context, payload []byte) error {
	_, err := c.roundTrip(ctx, execRequest{Op: "context", Payload: payload})
	return err
}

func (c *execConn) Speak(ctx context.Context, ssml string) (Result, error) {
	resp, err := c.roundTrip(ctx, execRequest{Op: "speak", SSML: ssml})
	if err != nil {
		return Result{}, err
	}
	res := Result{ID: resp.ResultID, ErrorDetail: resp.Error}
	if resp.Outcome == "canceled" {
		res.Outcome = OutcomeCanceled
	}
	return res, nil
}

func (c *execConn) TurnStart(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, execRequest{Op: "turn_start"})
	if err != nil {
		return "", err
	}
	if resp.TurnStart == "" {
		return "", fmt.Errorf("speech command returned no turn-start metadata")
	}
	return resp.TurnStart, nil
}

func (c *execConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stdin.Close()
	return c.cmd.Wait()
}
