package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/presenceworks/avatard/internal/bus"
	"github.com/presenceworks/avatard/internal/chat"
	"github.com/presenceworks/avatard/internal/config"
	"github.com/presenceworks/avatard/internal/protocol"
	"github.com/presenceworks/avatard/internal/speech"
	"github.com/presenceworks/avatard/internal/token"
	"github.com/presenceworks/avatard/internal/transcript"
)

// Deps are the collaborators the session manager orchestrates.
type Deps struct {
	Tokens *token.Manager
	Engine speech.Engine
	Queue  *speech.Queue
	Chat   *chat.Client
	Store  *transcript.Store
	Bus    *bus.Client
}

// Manager owns the one process-wide conversation session: message history,
// data-source configuration, and the live synthesis connection. One active
// conversation at a time; concurrent chat requests within a session are not
// expected.
type Manager struct {
	cfg  config.Config
	log  *slog.Logger
	deps Deps

	mu          sync.Mutex
	id          string
	history     []chat.Message
	sources     []chat.DataSource
	initialized bool
	conn        speech.Conn
	deployment  string
	searchIndex string

	tracer trace.Tracer
	turns  metric.Int64Counter
}

func NewManager(cfg config.Config, deps Deps, log *slog.Logger) *Manager {
	meter := otel.Meter("avatard/session")
	turns, _ := meter.Int64Counter("chat.turns",
		metric.WithDescription("Completed chat exchanges"))

	m := &Manager{
		cfg:    cfg,
		log:    log.With(slog.String("component", "session-manager")),
		deps:   deps,
		id:     uuid.NewString(),
		tracer: otel.Tracer("avatard/session"),
		turns:  turns,
	}

	// Speech lifecycle events flow out through the bus tagged with the
	// current session; finished utterances also land in the transcript.
	deps.Queue.SetEventSink(func(subject string, ev protocol.SpeechEvent) {
		ev.SessionID = m.SessionID()
		if err := deps.Bus.PublishJSON(subject, ev); err != nil {
			m.log.Warn("publish speech event failed",
				slog.String("subject", subject), slog.String("error", err.Error()))
		}
		if subject == protocol.SubjectSpeechFinished && ev.Text != "" {
			if err := deps.Store.Append(context.Background(), transcript.Entry{
				SessionID: ev.SessionID,
				Kind:      transcript.KindUtterance,
				Content:   ev.Text,
				ResultID:  ev.ResultID,
			}); err != nil {
				m.log.Warn("record utterance failed", slog.String("error", err.Error()))
			}
		}
	})
	return m
}

// SessionID returns the identifier of the current conversation session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// ConnectParams carries the per-client avatar session settings. Zero values
// fall back to configuration defaults.
type ConnectParams struct {
	LocalSDP              string
	AvatarCharacter       string
	AvatarStyle           string
	BackgroundColor       string
	IsCustomAvatar        bool
	TransparentBackground bool
	VideoCrop             bool
	Voice                 string
	CustomVoiceEndpointID string
	SpeakerProfileID      string
	Deployment            string
	SearchIndex           string
}

type iceCredential struct {
	Urls     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

type avatarContext struct {
	Synthesis struct {
		Video struct {
			Protocol struct {
				Name         string `json:"name"`
				WebRTCConfig struct {
					ClientDescription string      `json:"clientDescription"`
					ICEServers        []iceServer `json:"iceServers"`
				} `json:"webrtcConfig"`
			} `json:"protocol"`
			Format struct {
				Crop struct {
					TopLeft     point `json:"topLeft"`
					BottomRight point `json:"bottomRight"`
				} `json:"crop"`
				Bitrate int `json:"bitrate"`
			} `json:"format"`
			TalkingAvatar struct {
				Customized bool   `json:"customized"`
				Character  string `json:"character"`
				Style      string `json:"style"`
				Background struct {
					Color string `json:"color"`
				} `json:"background"`
			} `json:"talkingAvatar"`
		} `json:"video"`
	} `json:"synthesis"`
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Connect opens a synthesis session for the avatar, attaches the render
// configuration, negotiates the WebRTC session with one empty synthesis call
// and returns the remote session description. A synthesis cancellation with
// error detail fails the connect, annotated with the result id.
func (m *Manager) Connect(ctx context.Context, p ConnectParams) (string, error) {
	ctx, span := m.tracer.Start(ctx, "avatar.connect")
	defer span.End()

	if p.AvatarCharacter == "" {
		p.AvatarCharacter = "lisa"
	}
	if p.AvatarStyle == "" {
		p.AvatarStyle = "casual-sitting"
	}
	if p.BackgroundColor == "" {
		p.BackgroundColor = "#FFFFFFFF"
	}

	blob, err := m.deps.Tokens.RefreshICECredential(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch relay credential: %w", err)
	}
	var ice iceCredential
	if err := json.Unmarshal(blob, &ice); err != nil {
		return "", fmt.Errorf("parse relay credential: %w", err)
	}
	if len(ice.Urls) == 0 {
		return "", fmt.Errorf("relay credential carries no server urls")
	}

	payload, err := json.Marshal(m.buildContext(p, ice))
	if err != nil {
		return "", err
	}

	endpointID := p.CustomVoiceEndpointID
	if endpointID == "" {
		endpointID = m.cfg.Speech.CustomVoiceEndpointID
	}
	conn, err := m.deps.Engine.Open(ctx, speech.SessionParams{
		Endpoint:   speech.SynthesisEndpoint(m.cfg.Speech.Region, m.cfg.Speech.PrivateEndpoint),
		EndpointID: endpointID,
	})
	if err != nil {
		return "", fmt.Errorf("open synthesis session: %w", err)
	}
	if err := conn.SetContext(ctx, payload); err != nil {
		conn.Close()
		return "", fmt.Errorf("attach avatar configuration: %w", err)
	}

	// Empty synthesis call, purely to drive session negotiation.
	res, err := conn.Speak(ctx, "")
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("negotiate avatar session: %w", err)
	}
	if res.CanceledWithError() {
		conn.Close()
		return "", res.Err()
	}

	meta, err := conn.TurnStart(ctx)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("read turn-start metadata: %w", err)
	}
	var turnStart struct {
		WebRTC struct {
			ConnectionString string `json:"connectionString"`
		} `json:"webrtc"`
	}
	if err := json.Unmarshal([]byte(meta), &turnStart); err != nil {
		conn.Close()
		return "", fmt.Errorf("parse turn-start metadata: %w", err)
	}

	voice := p.Voice
	if voice == "" {
		voice = m.cfg.Speech.Voice
	}
	profile := p.SpeakerProfileID
	if profile == "" {
		profile = m.cfg.Speech.SpeakerProfileID
	}

	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = conn
	m.deployment = p.Deployment
	m.searchIndex = p.SearchIndex
	m.mu.Unlock()

	m.deps.Queue.Bind(conn)
	m.deps.Queue.SetVoice(speech.VoiceParams{Voice: voice, SpeakerProfileID: profile})

	m.log.Info("avatar session connected",
		slog.String("character", p.AvatarCharacter),
		slog.String("style", p.AvatarStyle),
		slog.String("voice", voice))
	return turnStart.WebRTC.ConnectionString, nil
}

func (m *Manager) buildContext(p ConnectParams, ice iceCredential) avatarContext {
	var cfg avatarContext
	video := &cfg.Synthesis.Video

	video.Protocol.Name = "WebRTC"
	video.Protocol.WebRTCConfig.ClientDescription = p.LocalSDP
	video.Protocol.WebRTCConfig.ICEServers = []iceServer{{
		URLs:       []string{ice.Urls[0]},
		Username:   ice.Username,
		Credential: ice.Password,
	}}

	// Crop to the avatar's portrait band when requested, full frame otherwise.
	left, right := 0, 1920
	if p.VideoCrop {
		left, right = 600, 1320
	}
	video.Format.Crop.TopLeft = point{X: left, Y: 0}
	video.Format.Crop.BottomRight = point{X: right, Y: 1080}
	video.Format.Bitrate = 2_000_000

	video.TalkingAvatar.Customized = p.IsCustomAvatar
	video.TalkingAvatar.Character = p.AvatarCharacter
	video.TalkingAvatar.Style = p.AvatarStyle
	color := p.BackgroundColor
	if p.TransparentBackground {
		// Green screen for client-side chroma keying.
		color = "#00FF00FF"
	}
	video.TalkingAvatar.Background.Color = color
	return cfg
}

// Disconnect closes the synthesis connection. Errors are returned for
// reporting, never fatal to the process.
func (m *Manager) Disconnect() error {
	m.deps.Queue.Stop()
	m.deps.Queue.Bind(nil)

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close synthesis session: %w", err)
	}
	m.log.Info("avatar session disconnected")
	return nil
}

// Connected reports whether a synthesis session is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// ResetHistory rebuilds the conversation from scratch. When search
// augmentation is fully configured the role instructions travel inside the
// data source and the history starts empty; otherwise the history is seeded
// with a single system message.
func (m *Manager) ResetHistory(ctx context.Context, systemPrompt string) {
	m.mu.Lock()
	m.id = uuid.NewString()
	m.history = nil
	m.sources = nil

	search := m.cfg.Search
	if search.Endpoint != "" && search.APIKey != "" && (search.IndexName != "" || m.searchIndex != "") {
		m.sources = []chat.DataSource{chat.NewSearchDataSource(search, m.searchIndex, systemPrompt)}
	} else {
		m.history = []chat.Message{{Role: chat.RoleSystem, Content: systemPrompt}}
	}
	m.initialized = true
	id := m.id
	m.mu.Unlock()

	if err := m.deps.Store.BeginSession(ctx, id, systemPrompt); err != nil {
		m.log.Warn("begin transcript session failed", slog.String("error", err.Error()))
	}
	m.log.Info("conversation reset",
		slog.String("session_id", id),
		slog.Bool("augmented", len(m.DataSources()) > 0))
}

// History returns a copy of the conversation history.
func (m *Manager) History() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.history...)
}

// DataSources returns a copy of the configured data sources.
func (m *Manager) DataSources() []chat.DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.DataSource(nil), m.sources...)
}

// HandleQuery runs one chat turn: appends the user message, preempts any
// in-progress speech, streams the completion, forwards display tokens through
// emit, speaks completed sentences, and finalizes the history with tool and
// assistant messages. The system prompt is consulted only before the first
// turn of a session.
func (m *Manager) HandleQuery(ctx context.Context, systemPrompt, query string, emit func(string) error) error {
	ctx, span := m.tracer.Start(ctx, "chat.turn")
	defer span.End()

	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		m.ResetHistory(ctx, systemPrompt)
	}

	m.mu.Lock()
	m.history = append(m.history, chat.Message{Role: chat.RoleUser, Content: query})
	messages := append([]chat.Message(nil), m.history...)
	sources := append([]chat.DataSource(nil), m.sources...)
	deployment := m.deployment
	sessionID := m.id
	m.mu.Unlock()

	if err := m.deps.Store.Append(ctx, transcript.Entry{
		SessionID: sessionID, Kind: transcript.KindUserMessage, Content: query,
	}); err != nil {
		m.log.Warn("record user message failed", slog.String("error", err.Error()))
	}

	span.SetAttributes(attribute.Bool("chat.augmented", len(sources) > 0))

	// Barge-in: new input preempts queued speech.
	if speaking, _ := m.deps.Queue.Status(); speaking {
		m.deps.Queue.Stop()
	}

	// Filler utterance to mask retrieval latency on the augmented path.
	if len(sources) > 0 && m.cfg.Chat.EnableQuickReply && len(m.cfg.Chat.QuickReplies) > 0 {
		phrase := m.cfg.Chat.QuickReplies[rand.Intn(len(m.cfg.Chat.QuickReplies))]
		m.deps.Queue.Enqueue(phrase, time.Duration(m.cfg.Chat.QuickReplySilenceMS)*time.Millisecond)
	}

	var assistant, tool strings.Builder
	var splitter chat.SentenceSplitter

	err := m.deps.Chat.Stream(ctx, deployment, messages, sources, func(d chat.Delta) error {
		if d.Role == chat.RoleTool {
			tool.WriteString(d.Content)
			return nil
		}
		if err := emit(d.Content); err != nil {
			return err
		}
		assistant.WriteString(d.Content)
		if sentence, ok := splitter.Push(d.Content); ok {
			m.deps.Queue.Enqueue(sentence, 0)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sentence, ok := splitter.Flush(); ok {
		m.deps.Queue.Enqueue(sentence, 0)
	}

	m.mu.Lock()
	if tool.Len() > 0 {
		m.history = append(m.history, chat.Message{Role: chat.RoleTool, Content: tool.String()})
	}
	m.history = append(m.history, chat.Message{Role: chat.RoleAssistant, Content: assistant.String()})
	m.mu.Unlock()

	if tool.Len() > 0 {
		if err := m.deps.Store.Append(ctx, transcript.Entry{
			SessionID: sessionID, Kind: transcript.KindToolMessage, Content: tool.String(),
		}); err != nil {
			m.log.Warn("record tool message failed", slog.String("error", err.Error()))
		}
	}
	if err := m.deps.Store.Append(ctx, transcript.Entry{
		SessionID: sessionID, Kind: transcript.KindAssistantMessage, Content: assistant.String(),
	}); err != nil {
		m.log.Warn("record assistant message failed", slog.String("error", err.Error()))
	}

	if err := m.deps.Bus.PublishJSON(protocol.SubjectChatTurn, protocol.ChatTurn{
		SessionID: sessionID,
		UserText:  query,
		Assistant: assistant.String(),
		Augmented: len(sources) > 0,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("publish chat turn failed", slog.String("error", err.Error()))
	}

	m.turns.Add(ctx, 1)
	return nil
}

// SpeakSSML synthesizes a caller-supplied markup document on the active
// connection, returning the engine's result id.
func (m *Manager) SpeakSSML(ctx context.Context, ssml string) (string, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("no avatar session connected")
	}
	res, err := conn.Speak(ctx, ssml)
	if err != nil {
		return "", err
	}
	if res.CanceledWithError() {
		return res.ID, res.Err()
	}
	return res.ID, nil
}

// Status reports the speaking state.
func (m *Manager) Status() (bool, *time.Time) {
	return m.deps.Queue.Status()
}

// StopSpeaking clears pending speech.
func (m *Manager) StopSpeaking() {
	m.deps.Queue.Stop()
}
