package app

import (
	"context"
	"strings"
	"time"

	"ragchat/pkg/domain"
	"ragchat/pkg/store"
)

// StreamMetadata is copied onto the message with every streamed write.
type StreamMetadata struct {
	Sources    []domain.Source
	Confidence *float64
}

// StartStream reveals fullText on an existing answer message in the
// background. The target must be the last message of the session and must not
// be a user message. The session is reserved like an ask, so a stream and a
// question never run on the same session at once.
func (a *App) StartStream(ctx context.Context, sessionID string, messageID int, fullText string, meta StreamMetadata) (<-chan struct{}, error) {
	if err := a.reserve(sessionID); err != nil {
		return nil, err
	}
	if err := a.checkStreamTarget(sessionID, messageID); err != nil {
		a.release(sessionID)
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer func() {
			a.release(sessionID)
			close(done)
		}()
		ctx, cancel := a.bind(ctx)
		defer cancel()
		a.streamText(ctx, sessionID, messageID, fullText, meta)
	}()
	return done, nil
}

// StreamText is StartStream followed by waiting for the final write.
func (a *App) StreamText(ctx context.Context, sessionID string, messageID int, fullText string, meta StreamMetadata) error {
	done, err := a.StartStream(ctx, sessionID, messageID, fullText, meta)
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (a *App) checkStreamTarget(sessionID string, messageID int) error {
	sess, ok := a.store.Session(sessionID)
	if !ok {
		return ErrMessageNotFound
	}
	for i, m := range sess.Messages {
		if m.ID != messageID {
			continue
		}
		if m.IsUser || i != len(sess.Messages)-1 {
			return ErrNotStreamTarget
		}
		return nil
	}
	return ErrMessageNotFound
}

// streamText reveals fullText word by word on the target message, pausing
// between words, then installs fullText verbatim and clears IsStreaming.
// Words are split on single spaces only so other whitespace stays inside
// tokens. A cancelled ctx skips the remaining words but the final write still
// happens. The caller holds the session reservation.
func (a *App) streamText(ctx context.Context, sessionID string, messageID int, fullText string, meta StreamMetadata) {
	words := splitWords(fullText)
	var acc strings.Builder
	for i, word := range words {
		if i > 0 {
			acc.WriteByte(' ')
		}
		acc.WriteString(word)
		a.store.UpdateMessage(sessionID, messageID, store.MessagePatch{
			Content:     store.Some(acc.String()),
			IsStreaming: store.Some(true),
			Sources:     store.Some(meta.Sources),
			Confidence:  store.Some(meta.Confidence),
		})
		if i == len(words)-1 {
			break
		}
		if !sleep(ctx, a.streamDelay) {
			break
		}
	}
	a.store.UpdateMessage(sessionID, messageID, store.MessagePatch{
		Content:     store.Some(fullText),
		IsStreaming: store.Some(false),
		Sources:     store.Some(meta.Sources),
		Confidence:  store.Some(meta.Confidence),
	})
}

func splitWords(text string) []string {
	parts := strings.Split(text, " ")
	words := parts[:0]
	for _, p := range parts {
		if p != "" {
			words = append(words, p)
		}
	}
	return words
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
