package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/presenceworks/avatard/internal/config"
	"github.com/presenceworks/avatard/internal/session"
	"github.com/presenceworks/avatard/internal/token"
)

// Handler exposes the avatar gateway HTTP surface.
type Handler struct {
	cfg     config.Config
	log     *slog.Logger
	tokens  *token.Manager
	session *session.Manager
}

func NewHandler(cfg config.Config, tokens *token.Manager, sess *session.Manager, log *slog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		log:     log.With(slog.String("component", "api")),
		tokens:  tokens,
		session: sess,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/getSpeechToken", h.getSpeechToken)
	mux.HandleFunc("GET /api/getIceToken", h.getIceToken)
	mux.HandleFunc("POST /api/connectAvatar", h.connectAvatar)
	mux.HandleFunc("POST /api/speak", h.speak)
	mux.HandleFunc("GET /api/getSpeakingStatus", h.getSpeakingStatus)
	mux.HandleFunc("POST /api/stopSpeaking", h.stopSpeaking)
	mux.HandleFunc("POST /api/chat", h.chat)
	mux.HandleFunc("POST /api/chat/clearHistory", h.clearHistory)
	mux.HandleFunc("POST /api/disconnectAvatar", h.disconnectAvatar)
}

func (h *Handler) getSpeechToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("SpeechRegion", h.cfg.Speech.Region)
	if h.cfg.Speech.PrivateEndpoint != "" {
		w.Header().Set("SpeechPrivateEndpoint", h.cfg.Speech.PrivateEndpoint)
	}
	io.WriteString(w, h.tokens.AuthToken())
}

func (h *Handler) getIceToken(w http.ResponseWriter, r *http.Request) {
	blob := h.tokens.ICECredential()
	if blob == nil {
		http.Error(w, "relay credential not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

func headerBool(r *http.Request, name string) bool {
	return strings.EqualFold(r.Header.Get(name), "true")
}

func (h *Handler) connectAvatar(w http.ResponseWriter, r *http.Request) {
	params := session.ConnectParams{
		LocalSDP:              r.Header.Get("LocalSdp"),
		AvatarCharacter:       r.Header.Get("AvatarCharacter"),
		AvatarStyle:           r.Header.Get("AvatarStyle"),
		BackgroundColor:       r.Header.Get("BackgroundColor"),
		IsCustomAvatar:        headerBool(r, "IsCustomAvatar"),
		TransparentBackground: headerBool(r, "TransparentBackground"),
		VideoCrop:             headerBool(r, "VideoCrop"),
		Voice:                 r.Header.Get("TtsVoice"),
		CustomVoiceEndpointID: r.Header.Get("CustomVoiceEndpointId"),
		SpeakerProfileID:      r.Header.Get("PersonalVoiceSpeakerProfileId"),
		Deployment:            r.Header.Get("AoaiDeploymentName"),
		SearchIndex:           r.Header.Get("CognitiveSearchIndexName"),
	}
	if params.LocalSDP == "" {
		http.Error(w, "LocalSdp header is required", http.StatusBadRequest)
		return
	}

	remoteSDP, err := h.session.Connect(r.Context(), params)
	if err != nil {
		h.log.Warn("avatar connect failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("Error message: %s", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, remoteSDP)
}

func (h *Handler) speak(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body failed", http.StatusBadRequest)
		return
	}
	resultID, err := h.session.SpeakSSML(r.Context(), string(body))
	if err != nil {
		h.log.Warn("speak failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("Speak failed. Error message: %s", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, resultID)
}

type speakingStatus struct {
	IsSpeaking    bool    `json:"isSpeaking"`
	LastSpeakTime *string `json:"lastSpeakTime"`
}

func (h *Handler) getSpeakingStatus(w http.ResponseWriter, r *http.Request) {
	speaking, last := h.session.Status()
	status := speakingStatus{IsSpeaking: speaking}
	if last != nil {
		formatted := last.Format(time.RFC3339Nano)
		status.LastSpeakTime = &formatted
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) stopSpeaking(w http.ResponseWriter, r *http.Request) {
	h.session.StopSpeaking()
	io.WriteString(w, "Speaking stopped.")
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body failed", http.StatusBadRequest)
		return
	}
	query := string(body)
	if strings.TrimSpace(query) == "" {
		http.Error(w, "empty query", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)

	var wrote bool
	err = h.session.HandleQuery(r.Context(), r.Header.Get("SystemPrompt"), query, func(tok string) error {
		if _, err := io.WriteString(w, tok); err != nil {
			return err
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.log.Warn("chat turn failed", slog.String("error", err.Error()))
		if !wrote {
			http.Error(w, fmt.Sprintf("Error message: %s", err), http.StatusBadRequest)
		}
	}
}

func (h *Handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	h.session.ResetHistory(r.Context(), r.Header.Get("SystemPrompt"))
	io.WriteString(w, "Chat history cleared.")
}

func (h *Handler) disconnectAvatar(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Disconnect(); err != nil {
		h.log.Warn("avatar disconnect failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("Error message: %s", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "Disconnected avatar")
}
