package api

import "time"

// Rabbi is a selectable assistant persona.
type Rabbi struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Era         string   `json:"era"`
	Description string   `json:"description"`
	Specialties []string `json:"specialties"`
}

// Reference is a citation surfaced by the assistant.
type Reference struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
}

// SessionSummary is a server-side session listing entry. It carries a message
// count hint but never the message content itself.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Rabbi        string    `json:"rabbi"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

// MessageDTO is a message as returned by the history endpoint.
type MessageDTO struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	IsUser     bool        `json:"isUser"`
	Timestamp  time.Time   `json:"timestamp"`
	References []Reference `json:"references,omitempty"`
}

// History is the full transcript of one session.
type History struct {
	Messages  []MessageDTO `json:"messages"`
	Rabbi     string       `json:"rabbi"`
	CreatedAt time.Time    `json:"createdAt"`
	Title     string       `json:"title"`
}

// UserContext identifies the sender on authenticated message sends.
// A nil UserContext means an anonymous send.
type UserContext struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// SendRequest is the body of a message send.
type SendRequest struct {
	Message     string       `json:"message"`
	SessionID   string       `json:"sessionId"`
	Rabbi       string       `json:"rabbi"`
	UserContext *UserContext `json:"userContext"`
}

// SendResult is the assistant's reply to a message send.
type SendResult struct {
	AIResponse string      `json:"aiResponse"`
	References []Reference `json:"references"`
}

// TranslateRequest is the body of a translation request.
type TranslateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"targetLang"`
	SourceLang string `json:"sourceLang,omitempty"`
}

// TranslateResult is the response to a translation request.
type TranslateResult struct {
	TranslatedText     string `json:"translatedText"`
	DetectedSourceLang string `json:"detectedSourceLang"`
}
