package speech

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/presenceworks/avatard/internal/protocol"
)

// EventSink receives speech lifecycle events for publication.
type EventSink func(subject string, ev protocol.SpeechEvent)

type utterance struct {
	text    string
	silence time.Duration
}

// Queue serializes text-to-speech requests into one speaking session:
// utterances play in FIFO order, exactly one synthesis call is in flight at
// a time, and Stop discards everything not yet started.
type Queue struct {
	log *slog.Logger

	mu       sync.Mutex
	pending  []utterance
	draining bool
	speaker  Speaker
	voice    VoiceParams

	speaking  atomic.Bool
	lastSpeak atomic.Pointer[time.Time]

	onError func(error)
	sink    EventSink

	utterances metric.Int64Counter
	failures   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(parent context.Context, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("avatard/speech")
	utterances, _ := meter.Int64Counter("speech.utterances",
		metric.WithDescription("Utterances synthesized by the output queue"))
	failures, _ := meter.Int64Counter("speech.synthesis_failures",
		metric.WithDescription("Synthesis calls that ended canceled with an error"))
	return &Queue{
		log:        log.With(slog.String("component", "speech-queue")),
		ctx:        ctx,
		cancel:     cancel,
		utterances: utterances,
		failures:   failures,
	}
}

// Bind attaches the synthesis connection utterances are spoken on. A nil
// speaker detaches; queued utterances are then dropped with a warning.
func (q *Queue) Bind(speaker Speaker) {
	q.mu.Lock()
	q.speaker = speaker
	q.mu.Unlock()
}

// SetVoice updates the voice used for subsequently spoken utterances.
func (q *Queue) SetVoice(vp VoiceParams) {
	q.mu.Lock()
	q.voice = vp
	q.mu.Unlock()
}

// SetErrorHandler installs the callback invoked when a synthesis call fails
// hard (canceled with an error detail, or transport failure).
func (q *Queue) SetErrorHandler(f func(error)) {
	q.mu.Lock()
	q.onError = f
	q.mu.Unlock()
}

// SetEventSink installs the speech event publisher.
func (q *Queue) SetEventSink(sink EventSink) {
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
}

// Enqueue appends one utterance. If no drain worker is active, exactly one
// is started; the check-and-set happens under the queue lock so two
// concurrent enqueues can never spawn two workers.
func (q *Queue) Enqueue(text string, trailingSilence time.Duration) {
	q.mu.Lock()
	q.pending = append(q.pending, utterance{text: text, silence: trailingSilence})
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		q.wg.Add(1)
		go q.drain()
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()
	q.speaking.Store(true)
	q.emit(protocol.SubjectSpeechStarted, protocol.SpeechEvent{})

	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.ctx.Err() != nil {
			q.draining = false
			q.mu.Unlock()
			q.speaking.Store(false)
			q.emit(protocol.SubjectSpeechFinished, protocol.SpeechEvent{})
			return
		}
		u := q.pending[0]
		q.pending = q.pending[1:]
		speaker := q.speaker
		vp := q.voice
		q.mu.Unlock()

		// Stop forces the flag false without interrupting the worker, so
		// re-assert it for every utterance picked up.
		q.speaking.Store(true)

		if speaker == nil {
			q.log.Warn("no synthesis connection, dropping utterance",
				slog.Int("chars", len(u.text)))
			continue
		}

		res, err := speaker.Speak(q.ctx, BuildSSML(u.text, vp, u.silence))
		now := time.Now().UTC()
		q.lastSpeak.Store(&now)
		q.utterances.Add(q.ctx, 1)

		switch {
		case err != nil:
			q.failures.Add(q.ctx, 1)
			q.reportError(err)
		case res.CanceledWithError():
			q.failures.Add(q.ctx, 1)
			q.log.Warn("synthesis canceled with error",
				slog.String("result_id", res.ID),
				slog.String("detail", res.ErrorDetail))
			q.reportError(res.Err())
		default:
			q.emit(protocol.SubjectSpeechFinished, protocol.SpeechEvent{Text: u.text, ResultID: res.ID})
		}
	}
}

// Stop clears all pending utterances. An utterance already in flight at the
// engine is not interrupted; the engine exposes no hard-stop primitive.
func (q *Queue) Stop() {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.speaking.Store(false)
	if dropped > 0 {
		q.log.Info("cleared pending utterances", slog.Int("dropped", dropped))
	}
	q.emit(protocol.SubjectSpeechStopped, protocol.SpeechEvent{})
}

// Status reports whether the queue is speaking and when an utterance last
// finished, if ever.
func (q *Queue) Status() (bool, *time.Time) {
	return q.speaking.Load(), q.lastSpeak.Load()
}

// Close stops accepting work and waits for the drain worker to exit.
func (q *Queue) Close() {
	q.Stop()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) reportError(err error) {
	q.mu.Lock()
	handler := q.onError
	q.mu.Unlock()
	if handler != nil {
		handler(err)
		return
	}
	q.log.Warn("synthesis failed", slog.String("error", err.Error()))
}

func (q *Queue) emit(subject string, ev protocol.SpeechEvent) {
	q.mu.Lock()
	sink := q.sink
	q.mu.Unlock()
	if sink == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	sink(subject, ev)
}
