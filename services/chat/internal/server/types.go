package server

import (
	"encoding/json"
	"fmt"
	"time"

	"ragchat/pkg/domain"
	"ragchat/pkg/store"
)

type statusResponse struct {
	IsLoading        bool   `json:"isLoading"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
}

type sessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func summarize(sess domain.Session) sessionSummary {
	return sessionSummary{
		ID:           sess.ID,
		Title:        sess.DisplayTitle(),
		MessageCount: len(sess.Messages),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

type createSessionRequest struct {
	InitialMessage string `json:"initialMessage"`
}

type setCurrentRequest struct {
	ID string `json:"id"`
}

type updateSessionRequest struct {
	Title *string `json:"title"`
}

type addMessageRequest struct {
	Content     string          `json:"content"`
	IsUser      bool            `json:"isUser"`
	IsStreaming bool            `json:"isStreaming"`
	Sources     []domain.Source `json:"sources"`
	Confidence  *float64        `json:"confidence"`
}

type streamRequest struct {
	Text       string          `json:"text"`
	Sources    []domain.Source `json:"sources"`
	Confidence *float64        `json:"confidence"`
}

type askRequest struct {
	Question string `json:"question"`
	DocID    string `json:"docId"`
}

type sidebarPreference struct {
	Collapsed *bool `json:"collapsed"`
}

// parseMessagePatch maps present JSON keys onto patch fields. An explicit null
// clears sources or confidence; a missing key leaves the field untouched.
func parseMessagePatch(raw map[string]json.RawMessage) (store.MessagePatch, error) {
	var patch store.MessagePatch
	if v, ok := raw["content"]; ok {
		var content string
		if err := json.Unmarshal(v, &content); err != nil {
			return patch, fmt.Errorf("invalid content: %w", err)
		}
		patch.Content = store.Some(content)
	}
	if v, ok := raw["isStreaming"]; ok {
		var streaming bool
		if err := json.Unmarshal(v, &streaming); err != nil {
			return patch, fmt.Errorf("invalid isStreaming: %w", err)
		}
		patch.IsStreaming = store.Some(streaming)
	}
	if v, ok := raw["sources"]; ok {
		var sources []domain.Source
		if err := json.Unmarshal(v, &sources); err != nil {
			return patch, fmt.Errorf("invalid sources: %w", err)
		}
		patch.Sources = store.Some(sources)
	}
	if v, ok := raw["confidence"]; ok {
		var confidence *float64
		if err := json.Unmarshal(v, &confidence); err != nil {
			return patch, fmt.Errorf("invalid confidence: %w", err)
		}
		patch.Confidence = store.Some(confidence)
	}
	return patch, nil
}
