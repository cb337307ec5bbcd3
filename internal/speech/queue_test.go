package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSpeaker records synthesis calls and fails the test if two calls ever
// overlap in time.
type fakeSpeaker struct {
	t        *testing.T
	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	gate     chan struct{} // when non-nil, each call blocks until a receive
	result   Result
	err      error
}

func (f *fakeSpeaker) Speak(ctx context.Context, ssml string) (Result, error) {
	if f.inFlight.Add(1) > 1 {
		f.t.Error("overlapping synthesis calls")
	}
	defer f.inFlight.Add(-1)

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, ssml)
	f.mu.Unlock()
	if f.err != nil {
		return Result{}, f.err
	}
	res := f.result
	if res.ID == "" {
		res.ID = "r-fake"
	}
	return res, nil
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if speaking, _ := q.Status(); !speaking {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue did not drain in time")
}

func TestEnqueuePreservesOrderWithoutOverlap(t *testing.T) {
	q := NewQueue(context.Background(), newLogger())
	t.Cleanup(q.Close)
	spk := &fakeSpeaker{t: t}
	q.Bind(spk)
	q.SetVoice(VoiceParams{Voice: "en-US-JennyMultilingualV2Neural"})

	texts := []string{"First sentence.", "Second sentence.", "Third sentence."}
	for _, s := range texts {
		q.Enqueue(s, 0)
	}
	waitIdle(t, q)

	calls := spk.spoken()
	if len(calls) != len(texts) {
		t.Fatalf("expected %d synthesis calls, got %d", len(texts), len(calls))
	}
	for i, s := range texts {
		if !strings.Contains(calls[i], s) {
			t.Fatalf("call %d: expected %q inside %q", i, s, calls[i])
		}
	}

	if _, last := q.Status(); last == nil {
		t.Fatal("expected lastSpeakTime to be set after draining")
	}
}

func TestStopDiscardsPendingButNotInFlight(t *testing.T) {
	q := NewQueue(context.Background(), newLogger())
	t.Cleanup(q.Close)
	gate := make(chan struct{})
	spk := &fakeSpeaker{t: t, gate: gate}
	q.Bind(spk)
	q.SetVoice(VoiceParams{Voice: "v"})

	q.Enqueue("in flight", 0)
	q.Enqueue("leftover one", 0)
	q.Enqueue("leftover two", 0)

	// Let the worker pick up the first utterance, then discard the rest.
	time.Sleep(20 * time.Millisecond)
	q.Stop()
	gate <- struct{}{}
	waitIdle(t, q)

	q.Enqueue("after stop", 0)
	gate <- struct{}{}
	waitIdle(t, q)

	calls := spk.spoken()
	if len(calls) != 2 {
		t.Fatalf("expected 2 synthesis calls, got %d: %v", len(calls), calls)
	}
	if !strings.Contains(calls[0], "in flight") {
		t.Fatalf("expected in-flight utterance to complete, got %q", calls[0])
	}
	if !strings.Contains(calls[1], "after stop") {
		t.Fatalf("expected only post-stop utterance, got %q", calls[1])
	}
}

func TestStopThenEnqueueKeepsSpeakingState(t *testing.T) {
	q := NewQueue(context.Background(), newLogger())
	t.Cleanup(q.Close)
	gate := make(chan struct{})
	spk := &fakeSpeaker{t: t, gate: gate}
	q.Bind(spk)
	q.SetVoice(VoiceParams{Voice: "v"})

	q.Enqueue("first", 0)
	time.Sleep(20 * time.Millisecond)
	q.Stop()
	if speaking, _ := q.Status(); speaking {
		t.Fatal("stop must force the speaking flag false")
	}

	// The same worker is still synthesizing "first"; it must pick up the
	// post-stop utterance and report speaking again while doing so.
	q.Enqueue("second", 0)
	gate <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if speaking, _ := q.Status(); speaking {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("speaking flag not restored while synthesizing a post-stop utterance")
		}
		time.Sleep(5 * time.Millisecond)
	}

	gate <- struct{}{}
	waitIdle(t, q)

	calls := spk.spoken()
	if len(calls) != 2 || !strings.Contains(calls[1], "second") {
		t.Fatalf("expected first and second to be synthesized, got %v", calls)
	}
}

func TestSingleWorkerUnderConcurrentEnqueue(t *testing.T) {
	q := NewQueue(context.Background(), newLogger())
	t.Cleanup(q.Close)
	spk := &fakeSpeaker{t: t}
	q.Bind(spk)
	q.SetVoice(VoiceParams{Voice: "v"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				q.Enqueue("concurrent utterance.", 0)
			}
		}()
	}
	wg.Wait()
	waitIdle(t, q)

	if got := len(spk.spoken()); got != 40 {
		t.Fatalf("expected 40 synthesis calls, got %d", got)
	}
}

func TestCanceledWithErrorReachesHandler(t *testing.T) {
	q := NewQueue(context.Background(), newLogger())
	t.Cleanup(q.Close)
	spk := &fakeSpeaker{t: t, result: Result{ID: "r-9", Outcome: OutcomeCanceled, ErrorDetail: "quota exceeded"}}
	q.Bind(spk)
	q.SetVoice(VoiceParams{Voice: "v"})

	errCh := make(chan error, 1)
	q.SetErrorHandler(func(err error) { errCh <- err })

	q.Enqueue("doomed", 0)
	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "r-9") || !strings.Contains(err.Error(), "quota exceeded") {
			t.Fatalf("expected result id and detail in error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not invoked")
	}
}

func TestTransportErrorReachesHandler(t *testing.T) {
	q := NewQueue(context.Background(), newLogger())
	t.Cleanup(q.Close)
	spk := &fakeSpeaker{t: t, err: errors.New("pipe broke")}
	q.Bind(spk)
	q.SetVoice(VoiceParams{Voice: "v"})

	errCh := make(chan error, 1)
	q.SetErrorHandler(func(err error) { errCh <- err })

	q.Enqueue("doomed", 0)
	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "pipe broke") {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not invoked")
	}
}
