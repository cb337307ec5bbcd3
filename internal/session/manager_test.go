package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/presenceworks/avatard/internal/chat"
	"github.com/presenceworks/avatard/internal/config"
	"github.com/presenceworks/avatard/internal/speech"
	"github.com/presenceworks/avatard/internal/token"
	"github.com/presenceworks/avatard/internal/transcript"
)

// captureEngine hands out mock connections and remembers the last one so
// tests can inspect what the session manager sent.
type captureEngine struct {
	mu   sync.Mutex
	last *speech.MockConn
	mock speech.MockEngine
}

func (e *captureEngine) Open(ctx context.Context, params speech.SessionParams) (speech.Conn, error) {
	conn, err := e.mock.Open(ctx, params)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.last = conn.(*speech.MockConn)
	e.mu.Unlock()
	return conn, nil
}

func (e *captureEngine) lastConn() *speech.MockConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type testEnv struct {
	mgr    *Manager
	engine *captureEngine
	queue  *speech.Queue
}

func newEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// One server plays both external roles: the relay credential endpoint
	// and the completion provider.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/avatar/relay/token/") {
			fmt.Fprint(w, `{"Urls":["turn:relay.example.net:3478"],"Username":"u1","Password":"p1"}`)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Speech.PrivateEndpoint = srv.URL
	cfg.OpenAI.Endpoint = srv.URL
	cfg.OpenAI.Deployment = "gpt-test"
	cfg.Transcript.RetentionMode = "ephemeral"
	if mutate != nil {
		mutate(&cfg)
	}

	queue := speech.NewQueue(context.Background(), logger)
	t.Cleanup(queue.Close)

	store, err := transcript.Open(context.Background(), cfg.Transcript, logger)
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := &captureEngine{}
	mgr := NewManager(cfg, Deps{
		Tokens: token.NewManager(context.Background(), cfg.Speech, logger),
		Engine: engine,
		Queue:  queue,
		Chat:   chat.NewClient(cfg.OpenAI, logger),
		Store:  store,
		Bus:    nil,
	}, logger)

	return &testEnv{mgr: mgr, engine: engine, queue: queue}
}

// completionEnv is newEnv plus a dedicated completion server whose records
// the test controls.
func completionEnv(t *testing.T, records []string, mutate func(*config.Config)) *testEnv {
	t.Helper()
	completion := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, rec := range records {
			fmt.Fprint(w, rec)
		}
	}))
	t.Cleanup(completion.Close)
	return newEnv(t, func(cfg *config.Config) {
		cfg.OpenAI.Endpoint = completion.URL
		if mutate != nil {
			mutate(cfg)
		}
	})
}

func plainRecord(content string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(payload) + "\n\n"
}

func augmentedRecord(role, content string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"messages": []map[string]any{
			{"delta": map[string]any{"role": role, "content": content}},
		}}},
	})
	return "data: " + string(payload) + "\n\n"
}

func waitForUtterances(t *testing.T, conn *speech.MockConn, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if spoken := conn.Spoken(); len(spoken) >= want {
			return spoken
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d utterances, have %d", want, len(conn.Spoken()))
	return nil
}

func TestResetHistoryWithoutSources(t *testing.T) {
	env := newEnv(t, nil)
	env.mgr.ResetHistory(context.Background(), "You are a concierge.")

	history := env.mgr.History()
	if len(history) != 1 || history[0].Role != chat.RoleSystem || history[0].Content != "You are a concierge." {
		t.Fatalf("unexpected history: %+v", history)
	}
	if sources := env.mgr.DataSources(); len(sources) != 0 {
		t.Fatalf("expected no data sources, got %+v", sources)
	}
}

func TestResetHistoryWithSources(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Search = config.SearchConfig{Endpoint: "https://search.example.net", APIKey: "sk", IndexName: "kb"}
	})
	env.mgr.ResetHistory(context.Background(), "You are a librarian.")

	if history := env.mgr.History(); len(history) != 0 {
		t.Fatalf("augmented mode must start with empty history, got %+v", history)
	}
	sources := env.mgr.DataSources()
	if len(sources) != 1 {
		t.Fatalf("expected one data source, got %d", len(sources))
	}
	if sources[0].Parameters.RoleInformation != "You are a librarian." {
		t.Fatalf("role instructions must travel in the data source, got %q", sources[0].Parameters.RoleInformation)
	}
}

func TestResetHistoryRotatesSessionID(t *testing.T) {
	env := newEnv(t, nil)
	before := env.mgr.SessionID()
	env.mgr.ResetHistory(context.Background(), "prompt")
	if after := env.mgr.SessionID(); after == before {
		t.Fatal("reset must start a new session id")
	}
}

func TestConnectReturnsRemoteDescription(t *testing.T) {
	env := newEnv(t, nil)

	sdp, err := env.mgr.Connect(context.Background(), ConnectParams{
		LocalSDP:        "client-sdp",
		AvatarCharacter: "lisa",
		AvatarStyle:     "casual-sitting",
		VideoCrop:       true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !strings.HasPrefix(sdp, "mock-sdp-") {
		t.Fatalf("unexpected remote description %q", sdp)
	}
	if !env.mgr.Connected() {
		t.Fatal("manager must report connected")
	}

	conn := env.engine.lastConn()
	contexts := conn.Contexts()
	if len(contexts) != 1 {
		t.Fatalf("expected one context message, got %d", len(contexts))
	}
	var ctxMsg avatarContext
	if err := json.Unmarshal(contexts[0], &ctxMsg); err != nil {
		t.Fatalf("context message is not valid JSON: %v", err)
	}
	rtc := ctxMsg.Synthesis.Video.Protocol.WebRTCConfig
	if rtc.ClientDescription != "client-sdp" {
		t.Fatalf("unexpected client description %q", rtc.ClientDescription)
	}
	if len(rtc.ICEServers) != 1 || rtc.ICEServers[0].URLs[0] != "turn:relay.example.net:3478" {
		t.Fatalf("unexpected ice servers %+v", rtc.ICEServers)
	}
	if rtc.ICEServers[0].Username != "u1" || rtc.ICEServers[0].Credential != "p1" {
		t.Fatalf("relay credentials not passed through: %+v", rtc.ICEServers[0])
	}
	format := ctxMsg.Synthesis.Video.Format
	if format.Crop.TopLeft.X != 600 || format.Crop.BottomRight.X != 1320 {
		t.Fatalf("crop rectangle not applied: %+v", format.Crop)
	}
	if format.Bitrate != 2_000_000 {
		t.Fatalf("unexpected bitrate %d", format.Bitrate)
	}
	// The negotiation call is an empty document, not audible speech.
	if spoken := conn.Spoken(); len(spoken) != 1 || spoken[0] != "" {
		t.Fatalf("expected exactly one empty negotiation call, got %q", spoken)
	}
}

func TestConnectTransparentBackground(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.mgr.Connect(context.Background(), ConnectParams{
		LocalSDP:              "client-sdp",
		BackgroundColor:       "#AABBCCDD",
		TransparentBackground: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var ctxMsg avatarContext
	json.Unmarshal(env.engine.lastConn().Contexts()[0], &ctxMsg)
	if color := ctxMsg.Synthesis.Video.TalkingAvatar.Background.Color; color != "#00FF00FF" {
		t.Fatalf("transparent background must use green screen, got %q", color)
	}
}

func TestConnectPropagatesCanceledNegotiation(t *testing.T) {
	env := newEnv(t, nil)
	engine := &failingEngine{inner: env.engine}
	env.mgr.deps.Engine = engine

	_, err := env.mgr.Connect(context.Background(), ConnectParams{LocalSDP: "client-sdp"})
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if !strings.Contains(err.Error(), "r-42") || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error must carry result id and detail, got %v", err)
	}
	if env.mgr.Connected() {
		t.Fatal("failed connect must not leave a session behind")
	}
}

type failingEngine struct {
	inner speech.Engine
}

func (e *failingEngine) Open(ctx context.Context, params speech.SessionParams) (speech.Conn, error) {
	conn, err := e.inner.Open(ctx, params)
	if err != nil {
		return nil, err
	}
	mock := conn.(*speech.MockConn)
	mock.SpeakResult = &speech.Result{ID: "r-42", Outcome: speech.OutcomeCanceled, ErrorDetail: "quota exceeded"}
	return mock, nil
}

func TestHandleQueryStreamsTokensAndSpeaksSentence(t *testing.T) {
	env := completionEnv(t, []string{
		plainRecord("Hello"),
		plainRecord(","),
		plainRecord(" world"),
		plainRecord("."),
		plainRecord("\n"),
		"data: [DONE]\n\n",
	}, nil)

	if _, err := env.mgr.Connect(context.Background(), ConnectParams{LocalSDP: "client-sdp"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var tokens []string
	err := env.mgr.HandleQuery(context.Background(), "Be brief.", "hi", func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	want := []string{"Hello", ",", " world", ".", "\n"}
	if len(tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %v", len(want), tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d: want %q got %q", i, want[i], tokens[i])
		}
	}

	// Negotiation call plus exactly one spoken sentence.
	spoken := waitForUtterances(t, env.engine.lastConn(), 2)
	if len(spoken) != 2 {
		t.Fatalf("expected 2 synthesis calls, got %d", len(spoken))
	}
	if !strings.Contains(spoken[1], "Hello, world.") {
		t.Fatalf("sentence not spoken: %q", spoken[1])
	}

	history := env.mgr.History()
	if len(history) != 3 {
		t.Fatalf("expected system+user+assistant history, got %+v", history)
	}
	if history[2].Role != chat.RoleAssistant || history[2].Content != "Hello, world.\n" {
		t.Fatalf("unexpected assistant message: %+v", history[2])
	}
}

func TestHandleQueryAugmentedToolContent(t *testing.T) {
	env := completionEnv(t, []string{
		augmentedRecord(chat.RoleTool, `{"citations":[]}`),
		augmentedRecord(chat.RoleAssistant, "Done"),
		augmentedRecord(chat.RoleAssistant, "."),
		"data: [DONE]\n\n",
	}, func(cfg *config.Config) {
		cfg.Search = config.SearchConfig{Endpoint: "https://search.example.net", APIKey: "sk", IndexName: "kb"}
	})

	var tokens []string
	err := env.mgr.HandleQuery(context.Background(), "prompt", "hi", func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	for _, tok := range tokens {
		if strings.Contains(tok, "citations") {
			t.Fatalf("tool content leaked as display token %q", tok)
		}
	}

	history := env.mgr.History()
	// Augmented mode: no system message, so user, tool, assistant.
	if len(history) != 3 {
		t.Fatalf("unexpected history length: %+v", history)
	}
	if history[1].Role != chat.RoleTool || !strings.Contains(history[1].Content, "citations") {
		t.Fatalf("tool message missing from history: %+v", history[1])
	}
	if history[2].Role != chat.RoleAssistant || history[2].Content != "Done." {
		t.Fatalf("unexpected assistant message: %+v", history[2])
	}
}

func TestHandleQueryQuickReply(t *testing.T) {
	env := completionEnv(t, []string{
		plainRecord("Sure."),
		"data: [DONE]\n\n",
	}, func(cfg *config.Config) {
		cfg.Search = config.SearchConfig{Endpoint: "https://search.example.net", APIKey: "sk", IndexName: "kb"}
		cfg.Chat.EnableQuickReply = true
	})

	if _, err := env.mgr.Connect(context.Background(), ConnectParams{LocalSDP: "client-sdp"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := env.mgr.HandleQuery(context.Background(), "prompt", "hi", func(string) error { return nil }); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	// Negotiation, filler, then the reply sentence.
	spoken := waitForUtterances(t, env.engine.lastConn(), 3)
	filler := spoken[1]
	var matched bool
	for _, phrase := range config.Default().Chat.QuickReplies {
		if strings.Contains(filler, phrase) {
			matched = true
		}
	}
	if !matched {
		t.Fatalf("filler utterance not from the quick reply set: %q", filler)
	}
	if !strings.Contains(filler, "<break time='2000ms'/>") {
		t.Fatalf("filler must carry trailing silence: %q", filler)
	}
}

func TestHandleQueryCompletionFailure(t *testing.T) {
	completion := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	t.Cleanup(completion.Close)
	env := newEnv(t, func(cfg *config.Config) {
		cfg.OpenAI.Endpoint = completion.URL
	})

	var tokens int
	err := env.mgr.HandleQuery(context.Background(), "prompt", "hi", func(string) error {
		tokens++
		return nil
	})
	if err == nil {
		t.Fatal("expected completion failure to propagate")
	}
	if tokens != 0 {
		t.Fatalf("no tokens may be emitted on failure, got %d", tokens)
	}
	// The turn was aborted: no assistant message was appended.
	history := env.mgr.History()
	if len(history) != 2 || history[1].Role != chat.RoleUser {
		t.Fatalf("expected system+user history after failure, got %+v", history)
	}
}

func TestDisconnectClosesConnection(t *testing.T) {
	env := newEnv(t, nil)
	if _, err := env.mgr.Connect(context.Background(), ConnectParams{LocalSDP: "client-sdp"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := env.mgr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if env.mgr.Connected() {
		t.Fatal("manager must report disconnected")
	}
	if err := env.mgr.Disconnect(); err != nil {
		t.Fatalf("second disconnect must be a no-op, got %v", err)
	}
}
