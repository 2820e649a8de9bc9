package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"ragchat/pkg/domain"
	"ragchat/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now advances by one second per call so every mutation gets a distinct time.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T, kv storage.KV) *Store {
	t.Helper()
	clock := newFakeClock()
	n := 0
	return New(context.Background(), Config{
		KV:  kv,
		Now: clock.Now,
		NewID: func() string {
			n++
			return "s" + string(rune('0'+n))
		},
	})
}

func TestAddMessageAssignsDenseIDs(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("")
	for i := 0; i < 5; i++ {
		id, ok := s.AddMessage(sid, domain.NewMessage{Content: "m", IsUser: i%2 == 0})
		if !ok {
			t.Fatalf("add message %d failed", i)
		}
		if id != i {
			t.Fatalf("expected id %d, got %d", i, id)
		}
	}
	sess, _ := s.Session(sid)
	for i, m := range sess.Messages {
		if m.ID != i {
			t.Fatalf("message at %d has id %d", i, m.ID)
		}
	}
}

func TestCreateSessionWithInitialMessage(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("hello there")
	sess, ok := s.Session(sid)
	if !ok {
		t.Fatalf("session not found")
	}
	if len(sess.Messages) != 1 || sess.Messages[0].ID != 0 || !sess.Messages[0].IsUser {
		t.Fatalf("unexpected messages: %+v", sess.Messages)
	}
	if s.CurrentSessionID() != sid {
		t.Fatalf("new session should be selected")
	}
	id, _ := s.AddMessage(sid, domain.NewMessage{Content: "next"})
	if id != 1 {
		t.Fatalf("expected next id 1, got %d", id)
	}
}

func TestTitleDerivation(t *testing.T) {
	s := newTestStore(t, nil)

	long := strings.Repeat("a", 60)
	sess, _ := s.Session(s.CreateSession(long))
	if want := strings.Repeat("a", 50) + "..."; sess.Title != want {
		t.Fatalf("long title mismatch: %q", sess.Title)
	}

	sess, _ = s.Session(s.CreateSession("short"))
	if sess.Title != "short" {
		t.Fatalf("short title mismatch: %q", sess.Title)
	}

	sess, _ = s.Session(s.CreateSession(""))
	if sess.Title != "" || sess.DisplayTitle() != domain.DefaultSessionTitle {
		t.Fatalf("expected fallback label, got title=%q display=%q", sess.Title, sess.DisplayTitle())
	}
}

func TestFirstUserMessageTitlesUntitledSession(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("")
	s.AddMessage(sid, domain.NewMessage{Content: "assistant greeting"})
	s.AddMessage(sid, domain.NewMessage{Content: "what is RAG?", IsUser: true})
	s.AddMessage(sid, domain.NewMessage{Content: "second question", IsUser: true})
	sess, _ := s.Session(sid)
	if sess.Title != "what is RAG?" {
		t.Fatalf("unexpected title: %q", sess.Title)
	}
}

func TestAllSessionsOrdersByRecency(t *testing.T) {
	s := newTestStore(t, nil)
	a := s.CreateSession("a")
	b := s.CreateSession("b")
	c := s.CreateSession("c")
	s.AddMessage(b, domain.NewMessage{Content: "more", IsUser: true})

	got := ids(s.AllSessions())
	want := []string{b, c, a}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order mismatch: got %v want %v", got, want)
	}

	s.ArchiveSession(b)
	got = ids(s.AllSessions())
	want = []string{c, a}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("archived session should be hidden: got %v want %v", got, want)
	}
}

func TestAllSessionsStableOnEqualTimestamps(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s := New(context.Background(), Config{
		Now:   func() time.Time { return fixed },
		NewID: func() string { n++; return string(rune('a' + n - 1)) },
	})
	s.CreateSession("")
	s.CreateSession("")
	s.CreateSession("")
	first := strings.Join(ids(s.AllSessions()), ",")
	for i := 0; i < 10; i++ {
		if got := strings.Join(ids(s.AllSessions()), ","); got != first {
			t.Fatalf("order changed between calls: %s vs %s", first, got)
		}
	}
	if first != "a,b,c" {
		t.Fatalf("ties should keep insertion order, got %s", first)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("x")
	s.ArchiveSession(sid)
	before, _ := s.Session(sid)
	if !s.ArchiveSession(sid) {
		t.Fatalf("second archive should succeed")
	}
	after, _ := s.Session(sid)
	if !after.IsArchived {
		t.Fatalf("expected archived")
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected updatedAt refresh")
	}
	if len(after.Messages) != len(before.Messages) {
		t.Fatalf("archive should not touch messages")
	}
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("x")

	if s.SetCurrentSession("missing") {
		t.Fatalf("selecting unknown id should report false")
	}
	if s.CurrentSessionID() != sid {
		t.Fatalf("selection should be unchanged")
	}
	if _, ok := s.AddMessage("missing", domain.NewMessage{Content: "x"}); ok {
		t.Fatalf("add to unknown session should report false")
	}
	if s.UpdateMessage(sid, 42, MessagePatch{Content: Some("x")}) {
		t.Fatalf("update of unknown message should report false")
	}
	if s.UpdateMessage("missing", 0, MessagePatch{Content: Some("x")}) {
		t.Fatalf("update in unknown session should report false")
	}
	if s.DeleteSession("missing") || s.ArchiveSession("missing") || s.UpdateSessionTitle("missing", "t") {
		t.Fatalf("mutators on unknown session should report false")
	}
}

func TestDeleteSessionClearsSelection(t *testing.T) {
	s := newTestStore(t, nil)
	a := s.CreateSession("a")
	b := s.CreateSession("b")
	if !s.SetCurrentSession(a) {
		t.Fatalf("select a failed")
	}
	s.DeleteSession(b)
	if s.CurrentSessionID() != a {
		t.Fatalf("deleting another session should keep selection")
	}
	s.DeleteSession(a)
	if s.CurrentSessionID() != "" {
		t.Fatalf("selection should be cleared")
	}
	if _, ok := s.CurrentSession(); ok {
		t.Fatalf("expected no current session")
	}
	if len(s.AllSessions()) != 0 {
		t.Fatalf("expected empty listing")
	}
}

func TestUpdateMessagePatchPresence(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("")
	conf := 0.8
	mid, _ := s.AddMessage(sid, domain.NewMessage{
		Content:    "draft",
		Sources:    []domain.Source{{Text: "t", DocID: "d", Page: 1, Score: 0.9}},
		Confidence: &conf,
	})

	s.UpdateMessage(sid, mid, MessagePatch{Content: Some("final")})
	sess, _ := s.Session(sid)
	m := sess.Messages[mid]
	if m.Content != "final" || len(m.Sources) != 1 || m.Confidence == nil {
		t.Fatalf("absent fields should be untouched: %+v", m)
	}

	s.UpdateMessage(sid, mid, MessagePatch{
		Sources:    Some[[]domain.Source](nil),
		Confidence: Some[*float64](nil),
	})
	sess, _ = s.Session(sid)
	m = sess.Messages[mid]
	if m.Sources != nil || m.Confidence != nil {
		t.Fatalf("present nil fields should clear: %+v", m)
	}
	if m.Content != "final" {
		t.Fatalf("content should be untouched: %q", m.Content)
	}
}

func TestSessionReturnsCopies(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("original")
	sess, _ := s.Session(sid)
	sess.Messages[0].Content = "mutated"
	again, _ := s.Session(sid)
	if again.Messages[0].Content != "original" {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	i := 0
	s := New(context.Background(), Config{Now: func() time.Time {
		ts := times[i%len(times)]
		i++
		return ts
	}})
	sid := s.CreateSession("")
	s.UpdateSessionTitle(sid, "renamed")
	sess, _ := s.Session(sid)
	if sess.UpdatedAt.Before(sess.CreatedAt) {
		t.Fatalf("updatedAt went backwards: %v < %v", sess.UpdatedAt, sess.CreatedAt)
	}
	if sess.Title != "renamed" {
		t.Fatalf("title not updated")
	}
}

func TestLoadingCounter(t *testing.T) {
	s := newTestStore(t, nil)
	if s.IsLoading() {
		t.Fatalf("fresh store should not be loading")
	}
	s.BeginLoading()
	s.BeginLoading()
	s.EndLoading()
	if !s.IsLoading() {
		t.Fatalf("one question still in flight")
	}
	s.EndLoading()
	s.EndLoading()
	if s.IsLoading() {
		t.Fatalf("loading should be cleared")
	}
}

func TestSubscribeReceivesMessageEvents(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("")
	var got []Event
	unsubscribe := s.Subscribe(func(ev Event) { got = append(got, ev) })
	mid, _ := s.AddMessage(sid, domain.NewMessage{Content: ""})
	s.UpdateMessage(sid, mid, MessagePatch{Content: Some("hi")})
	unsubscribe()
	s.UpdateMessage(sid, mid, MessagePatch{Content: Some("ignored")})

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != EventMessageAdded || got[1].Kind != EventMessageUpdated {
		t.Fatalf("unexpected kinds: %v %v", got[0].Kind, got[1].Kind)
	}
	if got[1].Message.Content != "hi" {
		t.Fatalf("event should carry updated message, got %q", got[1].Message.Content)
	}
}

func ids(sessions []domain.Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}

func mustDecode(t *testing.T, data []byte) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode persisted state: %v", err)
	}
	return out
}

func TestStreamingMessageStaysLast(t *testing.T) {
	s := newTestStore(t, nil)
	sid := s.CreateSession("question")
	placeholder, ok := s.AddMessage(sid, domain.NewMessage{IsStreaming: true})
	if !ok {
		t.Fatalf("add placeholder failed")
	}
	if !s.HasStreaming(sid) {
		t.Fatalf("expected streaming message")
	}

	if _, ok := s.AddMessage(sid, domain.NewMessage{Content: "next", IsUser: true}); ok {
		t.Fatalf("append must be refused while a message is streaming")
	}
	if _, ok := s.AddMessage(sid, domain.NewMessage{IsStreaming: true}); ok {
		t.Fatalf("second streaming message must be refused")
	}
	sess, _ := s.Session(sid)
	if len(sess.Messages) != 2 {
		t.Fatalf("refused appends must not change the session, got %d messages", len(sess.Messages))
	}

	s.UpdateMessage(sid, placeholder, MessagePatch{Content: Some("done"), IsStreaming: Some(false)})
	if s.HasStreaming(sid) {
		t.Fatalf("finished stream should clear the flag")
	}
	if _, ok := s.AddMessage(sid, domain.NewMessage{Content: "next", IsUser: true}); !ok {
		t.Fatalf("append should succeed once streaming ends")
	}
	if s.UpdateMessage(sid, placeholder, MessagePatch{IsStreaming: Some(true)}) {
		t.Fatalf("a message that is not last must not become streaming")
	}
	if !s.UpdateMessage(sid, placeholder, MessagePatch{Content: Some("edited")}) {
		t.Fatalf("plain edits of earlier messages stay allowed")
	}
}
