package store

import "ragchat/pkg/domain"

// Field is an optional patch value. Set distinguishes "write the zero value"
// from "leave untouched".
type Field[T any] struct {
	Value T
	Set   bool
}

// Some returns a field that writes v.
func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

// MessagePatch is a shallow, presence-aware update to a message.
type MessagePatch struct {
	Content     Field[string]
	IsStreaming Field[bool]
	Sources     Field[[]domain.Source]
	Confidence  Field[*float64]
}

func (p MessagePatch) apply(m *domain.Message) {
	if p.Content.Set {
		m.Content = p.Content.Value
	}
	if p.IsStreaming.Set {
		m.IsStreaming = p.IsStreaming.Value
	}
	if p.Sources.Set {
		if p.Sources.Value == nil {
			m.Sources = nil
		} else {
			m.Sources = append([]domain.Source(nil), p.Sources.Value...)
		}
	}
	if p.Confidence.Set {
		if p.Confidence.Value == nil {
			m.Confidence = nil
		} else {
			c := *p.Confidence.Value
			m.Confidence = &c
		}
	}
}
