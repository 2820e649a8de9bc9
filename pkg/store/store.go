// Package store holds chat sessions in memory and writes them through to durable storage.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"ragchat/pkg/domain"
	"ragchat/pkg/storage"
)

// DefaultKey is the storage key holding the serialized session mapping.
const DefaultKey = "chat_sessions"

// InterruptedAnswer replaces an empty placeholder that was still streaming
// when the state was last saved.
const InterruptedAnswer = "Sorry, I encountered an error: the answer was interrupted"

// Config wires the store's collaborators. All fields are optional.
type Config struct {
	KV           storage.KV
	Key          string
	SaveDebounce time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

// Store owns the session mapping, the current selection and the loading counter.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	order     []string
	currentID string
	loading   int
	seq       uint64

	obsMu     sync.RWMutex
	observers map[int]func(Event)
	nextObs   int

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	saver  *persister
}

// New builds a store and loads the persisted mapping. Missing or corrupt
// state yields an empty store.
func New(ctx context.Context, cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Round(0) }
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}
	s := &Store{
		sessions:  make(map[string]*domain.Session),
		observers: make(map[int]func(Event)),
		now:       now,
		newID:     newID,
		logger:    logger,
	}
	if cfg.KV != nil {
		s.saver = newPersister(cfg.KV, key, cfg.SaveDebounce, logger)
		s.load(ctx, cfg.KV, key)
	}
	return s
}

func (s *Store) load(ctx context.Context, kv storage.KV, key string) {
	data, ok, err := kv.Get(ctx, key)
	if err != nil {
		s.logger.Error("load sessions failed", "key", key, "err", err)
		return
	}
	if !ok || len(data) == 0 {
		return
	}
	var loaded map[string]*domain.Session
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Error("decode sessions failed, starting empty", "key", key, "err", err)
		return
	}
	for id, sess := range loaded {
		if sess == nil {
			continue
		}
		if sess.ID == "" {
			sess.ID = id
		}
		if sess.Messages == nil {
			sess.Messages = []domain.Message{}
		}
		if n := settleStreaming(sess.Messages); n > 0 {
			s.logger.Warn("interrupted streaming messages settled", "session_id", sess.ID, "count", n)
		}
		s.sessions[sess.ID] = sess
		s.order = append(s.order, sess.ID)
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.sessions[s.order[i]], s.sessions[s.order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	s.logger.Info("sessions loaded", "count", len(s.sessions))
}

// CreateSession inserts a new session, selects it and returns its ID. A
// non-empty initialMessage becomes the first user message and the title.
func (s *Store) CreateSession(initialMessage string) string {
	now := s.now()
	sess := &domain.Session{
		ID:        s.newID(),
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if initialMessage != "" {
		sess.Title = DeriveTitle(initialMessage)
		sess.Messages = append(sess.Messages, domain.Message{
			ID:        0,
			Content:   initialMessage,
			IsUser:    true,
			Timestamp: now,
		})
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	s.currentID = sess.ID
	save := s.snapshotLocked()
	s.mu.Unlock()

	save()
	s.emit(Event{Kind: EventSessionCreated, SessionID: sess.ID})
	return sess.ID
}

// SetCurrentSession selects id when it exists. Unknown ids leave the
// selection unchanged.
func (s *Store) SetCurrentSession(id string) bool {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return false
	}
	s.currentID = id
	s.mu.Unlock()
	s.emit(Event{Kind: EventSelectionChanged, SessionID: id})
	return true
}

// CurrentSessionID returns the selected session id, or "" when none.
func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// CurrentSession returns a copy of the selected session.
func (s *Store) CurrentSession() (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[s.currentID]
	if !ok {
		return domain.Session{}, false
	}
	return sess.Clone(), true
}

// Session returns a copy of the session with the given id.
func (s *Store) Session(id string) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return sess.Clone(), true
}

// AddMessage appends msg to the session and returns the assigned id, which is
// the message count before the append. Nothing is appended while the session
// has a streaming message, since that message must stay the last one.
func (s *Store) AddMessage(sessionID string, msg domain.NewMessage) (int, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || streamingIndex(sess.Messages) >= 0 {
		s.mu.Unlock()
		return 0, false
	}
	now := s.now()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	m := domain.Message{
		ID:          len(sess.Messages),
		Content:     msg.Content,
		IsUser:      msg.IsUser,
		Timestamp:   ts,
		IsStreaming: msg.IsStreaming,
		Sources:     msg.Sources,
		Confidence:  msg.Confidence,
	}.Clone()
	if sess.Title == "" && m.IsUser && m.Content != "" && !hasUserMessage(sess.Messages) {
		sess.Title = DeriveTitle(m.Content)
	}
	sess.Messages = append(sess.Messages, m)
	touch(sess, now)
	save := s.snapshotLocked()
	s.mu.Unlock()

	save()
	s.emit(Event{Kind: EventMessageAdded, SessionID: sessionID, MessageID: m.ID, Message: m.Clone()})
	return m.ID, true
}

// UpdateMessage merges patch into the message. Only fields marked as set are
// written. Setting IsStreaming on any message but the last is refused.
func (s *Store) UpdateMessage(sessionID string, messageID int, patch MessagePatch) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := -1
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 || (patch.IsStreaming.Set && patch.IsStreaming.Value && idx != len(sess.Messages)-1) {
		s.mu.Unlock()
		return false
	}
	patch.apply(&sess.Messages[idx])
	touch(sess, s.now())
	updated := sess.Messages[idx].Clone()
	save := s.snapshotLocked()
	s.mu.Unlock()

	save()
	s.emit(Event{Kind: EventMessageUpdated, SessionID: sessionID, MessageID: messageID, Message: updated})
	return true
}

// DeleteSession removes the session and clears the selection if it pointed at it.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	filtered := s.order[:0]
	for _, item := range s.order {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	s.order = filtered
	if s.currentID == id {
		s.currentID = ""
	}
	save := s.snapshotLocked()
	s.mu.Unlock()

	save()
	s.emit(Event{Kind: EventSessionDeleted, SessionID: id})
	return true
}

// ArchiveSession hides the session from AllSessions. Archiving twice only
// refreshes UpdatedAt.
func (s *Store) ArchiveSession(id string) bool {
	return s.mutateSession(id, func(sess *domain.Session) {
		sess.IsArchived = true
	})
}

// UpdateSessionTitle sets an explicit title.
func (s *Store) UpdateSessionTitle(id, title string) bool {
	return s.mutateSession(id, func(sess *domain.Session) {
		sess.Title = title
	})
}

func (s *Store) mutateSession(id string, fn func(*domain.Session)) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(sess)
	touch(sess, s.now())
	save := s.snapshotLocked()
	s.mu.Unlock()

	save()
	s.emit(Event{Kind: EventSessionUpdated, SessionID: id})
	return true
}

// AllSessions returns non-archived sessions, most recently updated first.
// Equal timestamps keep insertion order.
func (s *Store) AllSessions() []domain.Session {
	s.mu.RLock()
	res := make([]domain.Session, 0, len(s.order))
	for _, id := range s.order {
		sess, ok := s.sessions[id]
		if !ok || sess.IsArchived {
			continue
		}
		res = append(res, sess.Clone())
	}
	s.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res
}

// BeginLoading marks one more question as in flight.
func (s *Store) BeginLoading() {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()
	s.emit(Event{Kind: EventLoadingChanged})
}

// EndLoading marks one in-flight question as finished.
func (s *Store) EndLoading() {
	s.mu.Lock()
	if s.loading > 0 {
		s.loading--
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventLoadingChanged})
}

// IsLoading reports whether any question is in flight.
func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

// Close flushes pending writes.
func (s *Store) Close() {
	if s.saver != nil {
		s.saver.flush()
	}
}

// snapshotLocked serializes the mapping while s.mu is held and returns the
// write to run once the lock is released.
func (s *Store) snapshotLocked() func() {
	if s.saver == nil {
		return func() {}
	}
	s.seq++
	seq := s.seq
	data, err := json.Marshal(s.sessions)
	if err != nil {
		s.logger.Error("encode sessions failed", "err", err)
		return func() {}
	}
	return func() { s.saver.save(seq, data) }
}

func touch(sess *domain.Session, now time.Time) {
	if now.Before(sess.UpdatedAt) {
		return
	}
	sess.UpdatedAt = now
}

// HasStreaming reports whether the session has a message still streaming.
func (s *Store) HasStreaming(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return ok && streamingIndex(sess.Messages) >= 0
}

func streamingIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsStreaming {
			return i
		}
	}
	return -1
}

// settleStreaming clears streaming flags left over from an interrupted run.
func settleStreaming(msgs []domain.Message) int {
	n := 0
	for i := range msgs {
		if !msgs[i].IsStreaming {
			continue
		}
		msgs[i].IsStreaming = false
		if msgs[i].Content == "" {
			msgs[i].Content = InterruptedAnswer
		}
		n++
	}
	return n
}

func hasUserMessage(msgs []domain.Message) bool {
	for _, m := range msgs {
		if m.IsUser {
			return true
		}
	}
	return false
}
