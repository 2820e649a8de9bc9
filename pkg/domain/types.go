package domain

import "time"

// DefaultSessionTitle is displayed for sessions that have no title.
const DefaultSessionTitle = "New Chat"

// Source is a citation linking an answer to a document page.
type Source struct {
	Text  string  `json:"text"`
	DocID string  `json:"doc_id"`
	Page  int     `json:"page"`
	Score float64 `json:"score"`
}

// Message is one turn in a session. ID is the insertion index within its session.
type Message struct {
	ID          int       `json:"id"`
	Content     string    `json:"content"`
	IsUser      bool      `json:"isUser"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming,omitempty"`
	Sources     []Source  `json:"sources,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
}

// NewMessage is a message before the store assigns its ID.
type NewMessage struct {
	Content     string
	IsUser      bool
	Timestamp   time.Time
	IsStreaming bool
	Sources     []Source
	Confidence  *float64
}

// Session is one conversation thread.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	IsArchived bool      `json:"isArchived"`
}

// DisplayTitle returns the title or the fallback label.
func (s Session) DisplayTitle() string {
	if s.Title == "" {
		return DefaultSessionTitle
	}
	return s.Title
}

// Clone returns a deep copy that shares no slices or pointers with s.
func (s Session) Clone() Session {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Confidence != nil {
		c := *m.Confidence
		out.Confidence = &c
	}
	return out
}

// QueryRequest is sent to the external query service. A nil MinScore leaves
// the threshold to the service; zero disables filtering.
type QueryRequest struct {
	Question string   `json:"question"`
	TopK     int      `json:"top_k,omitempty"`
	MinScore *float64 `json:"min_score,omitempty"`
	DocID    string   `json:"doc_id,omitempty"`
}

// QueryAnswer is the answer payload of a successful query.
type QueryAnswer struct {
	Text       string   `json:"text"`
	Sources    []Source `json:"sources,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// QueryResponse is returned by the external query service.
type QueryResponse struct {
	Success bool         `json:"success"`
	Answer  *QueryAnswer `json:"answer,omitempty"`
	Error   string       `json:"error,omitempty"`
}
