package speech

import (
	"context"
	"fmt"
	"strings"
)

// Outcome tags the result of one synthesis call. Cancellation is a normal
// result kind here, not an error: a canceled result without detail follows a
// deliberate stop, while one carrying ErrorDetail is a hard failure.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCanceled
)

// Result is the outcome of one synthesis call. ID identifies the call for
// diagnostics and is reported alongside errors.
type Result struct {
	ID          string
	Outcome     Outcome
	ErrorDetail string
}

// CanceledWithError reports whether the engine canceled the call and
// attached an error detail, which callers must treat as a failure.
func (r Result) CanceledWithError() bool {
	return r.Outcome == OutcomeCanceled && r.ErrorDetail != ""
}

// Err converts a failed result into an error annotated with the result id,
// or nil for success and deliberate cancellations.
func (r Result) Err() error {
	if !r.CanceledWithError() {
		return nil
	}
	return fmt.Errorf("synthesis canceled (result id %s): %s", r.ID, r.ErrorDetail)
}

// SessionParams configures one synthesis session against the engine.
type SessionParams struct {
	Endpoint   string // websocket endpoint, private or regional
	EndpointID string // custom voice deployment id, optional
}

// Engine is the external speech synthesis collaborator. Implementations open
// sessions; the engine internals (transport, codec) are outside this core.
type Engine interface {
	Open(ctx context.Context, params SessionParams) (Conn, error)
}

// Conn is one live synthesis session.
type Conn interface {
	// SetContext attaches an out-of-band configuration message to the
	// session before the first synthesis call.
	SetContext(ctx context.Context, payload []byte) error
	// Speak synthesizes one SSML document, blocking until the engine
	// reports a result. An empty document triggers session negotiation
	// without producing audio.
	Speak(ctx context.Context, ssml string) (Result, error)
	// TurnStart returns the negotiated turn-start metadata harvested from
	// the engine after the first synthesis call.
	TurnStart(ctx context.Context) (string, error)
	Close() error
}

// Speaker is the subset of Conn the output queue needs.
type Speaker interface {
	Speak(ctx context.Context, ssml string) (Result, error)
}

// SynthesisEndpoint derives the websocket endpoint for a synthesis session
// from either a private endpoint or a service region.
func SynthesisEndpoint(region, privateEndpoint string) string {
	if pe := strings.TrimRight(privateEndpoint, "/"); pe != "" {
		pe = strings.Replace(pe, "https://", "wss://", 1)
		return pe + "/tts/cognitiveservices/websocket/v1?enableTalkingAvatar=true"
	}
	return fmt.Sprintf("wss://%s.tts.speech.microsoft.com/cognitiveservices/websocket/v1?enableTalkingAvatar=true", region)
}
