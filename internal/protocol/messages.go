package protocol

import "time"

// SpeechEvent reports speech queue activity for a render session.
type SpeechEvent struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	ResultID  string    `json:"result_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatTurn is emitted once per completed chat exchange.
type ChatTurn struct {
	SessionID string    `json:"session_id"`
	UserText  string    `json:"user_text"`
	Assistant string    `json:"assistant_text"`
	Augmented bool      `json:"augmented"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeechStarted  = "avatar.speech.started"
	SubjectSpeechFinished = "avatar.speech.finished"
	SubjectSpeechStopped  = "avatar.speech.stopped"
	SubjectChatTurn       = "avatar.chat.turn"
)
