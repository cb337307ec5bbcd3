package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockEngine is an in-memory engine for tests and for running the gateway
// without a real synthesis backend.
type MockEngine struct{}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) Open(_ context.Context, params SessionParams) (Conn, error) {
	return &MockConn{
		params:    params,
		remoteSDP: "mock-sdp-" + uuid.NewString(),
	}, nil
}

// MockConn records everything sent to it and returns canned results.
type MockConn struct {
	mu        sync.Mutex
	params    SessionParams
	remoteSDP string
	contexts  [][]byte
	spoken    []string
	closed    bool

	// Test hooks: when set, Speak returns these instead of a success.
	SpeakResult *Result
	SpeakErr    error
}

func (c *MockConn) SetContext(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.contexts = append(c.contexts, append([]byte(nil), payload...))
	return nil
}

func (c *MockConn) Speak(_ context.Context, ssml string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, errors.New("connection closed")
	}
	c.spoken = append(c.spoken, ssml)
	if c.SpeakErr != nil {
		return Result{}, c.SpeakErr
	}
	if c.SpeakResult != nil {
		res := *c.SpeakResult
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		return res, nil
	}
	return Result{ID: uuid.NewString(), Outcome: OutcomeSuccess}, nil
}

func (c *MockConn) TurnStart(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.spoken) == 0 {
		return "", errors.New("no synthesis call has been made")
	}
	return fmt.Sprintf(`{"webrtc":{"connectionString":"%s"}}`, c.remoteSDP), nil
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Spoken returns a copy of all SSML documents synthesized so far.
func (c *MockConn) Spoken() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.spoken...)
}

// Contexts returns a copy of all context payloads attached so far.
func (c *MockConn) Contexts() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.contexts))
	for i, p := range c.contexts {
		out[i] = append([]byte(nil), p...)
	}
	return out
}
