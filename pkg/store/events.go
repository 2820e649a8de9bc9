package store

import "ragchat/pkg/domain"

// EventKind names the mutation that produced an Event.
type EventKind string

const (
	EventSessionCreated   EventKind = "session_created"
	EventSessionUpdated   EventKind = "session_updated"
	EventSessionDeleted   EventKind = "session_deleted"
	EventSelectionChanged EventKind = "selection_changed"
	EventMessageAdded     EventKind = "message_added"
	EventMessageUpdated   EventKind = "message_updated"
	EventLoadingChanged   EventKind = "loading_changed"
)

// Event describes one completed mutation. Message is a copy of the message
// after the change and is only populated for message events.
type Event struct {
	Kind      EventKind
	SessionID string
	MessageID int
	Message   domain.Message
}

// Subscribe registers fn to receive events after each mutation and returns a
// function that removes it. fn runs on the mutating goroutine and must not
// block.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) emit(ev Event) {
	s.obsMu.RLock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
