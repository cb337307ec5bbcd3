package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	Speech      SpeechConfig     `yaml:"speech"`
	OpenAI      OpenAIConfig     `yaml:"openai"`
	Search      SearchConfig     `yaml:"search"`
	Chat        ChatConfig       `yaml:"chat"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// TranscriptConfig controls the SQLite conversation timeline store.
type TranscriptConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig holds the speech service binding plus synthesis defaults.
// Voice, custom voice deployment and speaker profile can all be overridden
// per connect request by client headers.
type SpeechConfig struct {
	Region                 string `yaml:"region"`
	Key                    string `yaml:"key"`
	PrivateEndpoint        string `yaml:"private_endpoint"`
	Voice                  string `yaml:"voice"`
	CustomVoiceEndpointID  string `yaml:"custom_voice_endpoint_id"`
	SpeakerProfileID       string `yaml:"personal_voice_speaker_profile_id"`
	Engine                 string `yaml:"engine"` // mock, exec
	Command                string `yaml:"command"`
	TokenRefreshIntervalMS int    `yaml:"token_refresh_interval_ms"`
}

type OpenAIConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// SearchConfig enables the augmented "on your data" chat path. All three of
// endpoint, api_key and index_name must be set for a data source to exist.
type SearchConfig struct {
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	IndexName string `yaml:"index_name"`
}

type ChatConfig struct {
	EnableQuickReply    bool     `yaml:"enable_quick_reply"`
	QuickReplies        []string `yaml:"quick_replies"`
	QuickReplySilenceMS int      `yaml:"quick_reply_silence_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "avatard",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Transcript: TranscriptConfig{
			Path:          "./data/avatard-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Voice:                  "en-US-JennyMultilingualV2Neural",
			Engine:                 "mock",
			TokenRefreshIntervalMS: 9 * 60 * 1000,
		},
		OpenAI: OpenAIConfig{
			APIVersion: "2023-06-01-preview",
		},
		Chat: ChatConfig{
			EnableQuickReply: false,
			QuickReplies: []string{
				"Let me take a look.",
				"Let me check.",
				"One moment, please.",
			},
			QuickReplySilenceMS: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "AVATAR_SERVICE_NAME")
	overrideString(&cfg.Environment, "AVATAR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AVATAR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AVATAR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AVATAR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AVATAR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AVATAR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "AVATAR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "AVATAR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AVATAR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AVATAR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "AVATAR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AVATAR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AVATAR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AVATAR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AVATAR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AVATAR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Transcript.Path, "AVATAR_TRANSCRIPT_PATH")
	overrideString(&cfg.Transcript.RetentionMode, "AVATAR_TRANSCRIPT_RETENTION_MODE")
	overrideInt(&cfg.Transcript.RetentionDays, "AVATAR_TRANSCRIPT_RETENTION_DAYS")
	overrideInt(&cfg.Transcript.MaxSessions, "AVATAR_TRANSCRIPT_MAX_SESSIONS")
	overrideBool(&cfg.Transcript.VacuumOnStart, "AVATAR_TRANSCRIPT_VACUUM_ON_START")
	overrideString(&cfg.Speech.Region, "AVATAR_SPEECH_REGION")
	overrideString(&cfg.Speech.Key, "AVATAR_SPEECH_KEY")
	overrideString(&cfg.Speech.PrivateEndpoint, "AVATAR_SPEECH_PRIVATE_ENDPOINT")
	overrideString(&cfg.Speech.Voice, "AVATAR_SPEECH_VOICE")
	overrideString(&cfg.Speech.CustomVoiceEndpointID, "AVATAR_SPEECH_CUSTOM_VOICE_ENDPOINT_ID")
	overrideString(&cfg.Speech.SpeakerProfileID, "AVATAR_SPEECH_SPEAKER_PROFILE_ID")
	overrideString(&cfg.Speech.Engine, "AVATAR_SPEECH_ENGINE")
	overrideString(&cfg.Speech.Command, "AVATAR_SPEECH_COMMAND")
	overrideInt(&cfg.Speech.TokenRefreshIntervalMS, "AVATAR_SPEECH_TOKEN_REFRESH_INTERVAL_MS")
	overrideString(&cfg.OpenAI.Endpoint, "AVATAR_OPENAI_ENDPOINT")
	overrideString(&cfg.OpenAI.APIKey, "AVATAR_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.Deployment, "AVATAR_OPENAI_DEPLOYMENT")
	overrideString(&cfg.OpenAI.APIVersion, "AVATAR_OPENAI_API_VERSION")
	overrideString(&cfg.Search.Endpoint, "AVATAR_SEARCH_ENDPOINT")
	overrideString(&cfg.Search.APIKey, "AVATAR_SEARCH_API_KEY")
	overrideString(&cfg.Search.IndexName, "AVATAR_SEARCH_INDEX_NAME")
	overrideBool(&cfg.Chat.EnableQuickReply, "AVATAR_CHAT_ENABLE_QUICK_REPLY")
	overrideStringSlice(&cfg.Chat.QuickReplies, "AVATAR_CHAT_QUICK_REPLIES")
	overrideInt(&cfg.Chat.QuickReplySilenceMS, "AVATAR_CHAT_QUICK_REPLY_SILENCE_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Transcript.Path == "" {
		return errors.New("transcript.path must not be empty")
	}
	switch cfg.Transcript.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcript.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Transcript.RetentionDays < 0 {
		return errors.New("transcript.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Speech.Engine {
	case "mock", "exec":
	default:
		return errors.New("speech.engine must be one of mock|exec")
	}
	if cfg.Speech.Engine == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when engine=exec")
	}
	if cfg.Speech.Voice == "" {
		return errors.New("speech.voice must not be empty")
	}
	if cfg.Speech.TokenRefreshIntervalMS <= 0 {
		return errors.New("speech.token_refresh_interval_ms must be positive")
	}
	if cfg.Chat.EnableQuickReply && len(cfg.Chat.QuickReplies) == 0 {
		return errors.New("chat.quick_replies must not be empty when quick reply is enabled")
	}
	if cfg.Chat.QuickReplySilenceMS < 0 {
		return errors.New("chat.quick_reply_silence_ms must be >= 0")
	}
	return nil
}
