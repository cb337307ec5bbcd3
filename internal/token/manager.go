package token

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presenceworks/avatard/internal/config"
)

// Manager keeps a fresh speech auth token in the background and fetches the
// relay (ICE) credential on demand. Values are published atomically; readers
// never block and may briefly observe the previous value during a refresh.
type Manager struct {
	cfg    config.SpeechConfig
	log    *slog.Logger
	client *http.Client

	// Derived from region/private endpoint; package tests point these at
	// an httptest server.
	authURL string
	iceURL  string

	auth atomic.Value // string
	ice  atomic.Value // []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(parent context.Context, cfg config.SpeechConfig, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		cfg:    cfg,
		log:    log.With(slog.String("component", "token-manager")),
		client: &http.Client{Timeout: 10 * time.Second},
		ctx:    ctx,
		cancel: cancel,
	}
	m.authURL = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", cfg.Region)
	if pe := strings.TrimRight(cfg.PrivateEndpoint, "/"); pe != "" {
		m.iceURL = pe + "/tts/cognitiveservices/avatar/relay/token/v1"
	} else {
		m.iceURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/avatar/relay/token/v1", cfg.Region)
	}
	return m
}

// Start performs one immediate refresh of both values, then keeps the auth
// token fresh on the configured interval for the process lifetime. Refresh
// failures are logged and retried on the next tick, never fatal.
func (m *Manager) Start() {
	if err := m.RefreshAuthToken(m.ctx); err != nil {
		m.log.Warn("initial auth token refresh failed", slog.String("error", err.Error()))
	}
	if _, err := m.RefreshICECredential(m.ctx); err != nil {
		m.log.Warn("initial ICE credential fetch failed", slog.String("error", err.Error()))
	}

	interval := time.Duration(m.cfg.TokenRefreshIntervalMS) * time.Millisecond
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshAuthToken(m.ctx); err != nil {
					m.log.Warn("auth token refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// AuthToken returns the most recently issued auth token, or "" before the
// first successful refresh.
func (m *Manager) AuthToken() string {
	if v, ok := m.auth.Load().(string); ok {
		return v
	}
	return ""
}

// ICECredential returns the last fetched relay credential blob, opaque to
// this service, or nil before the first successful fetch.
func (m *Manager) ICECredential() []byte {
	if v, ok := m.ice.Load().([]byte); ok {
		return v
	}
	return nil
}

// RefreshAuthToken calls the token issuance endpoint and replaces the stored
// token on success. On failure the prior token stays in place.
func (m *Manager) RefreshAuthToken(ctx context.Context) error {
	body, err := m.fetch(ctx, http.MethodPost, m.authURL)
	if err != nil {
		return err
	}
	m.auth.Store(string(body))
	return nil
}

// RefreshICECredential fetches the relay credential and replaces the stored
// blob. Called at startup and by the avatar connect path; connect failures
// surface to that caller.
func (m *Manager) RefreshICECredential(ctx context.Context) ([]byte, error) {
	body, err := m.fetch(ctx, http.MethodGet, m.iceURL)
	if err != nil {
		return nil, err
	}
	m.ice.Store(body)
	return body, nil
}

func (m *Manager) fetch(ctx context.Context, method, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.Key)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token endpoint returned status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	return body, nil
}
