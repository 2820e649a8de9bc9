package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ragchat/internal/util"
	"ragchat/pkg/domain"
	"ragchat/pkg/store"
)

const (
	defaultTopK        = 5
	defaultMinScore    = 0.3
	defaultStreamDelay = 30 * time.Millisecond

	apologyFormat      = "Sorry, I encountered an error: %s"
	defaultFailureText = "the query service did not return an answer"
)

// QueryService answers questions against the indexed documents.
type QueryService interface {
	Query(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error)
}

// Config holds runtime configuration for the chat application.
type Config struct {
	Store       *store.Store
	Query       QueryService
	TopK        int
	// MinScore nil means the default threshold; zero disables filtering.
	MinScore    *float64
	StreamDelay time.Duration
}

// App coordinates question/answer round trips on top of the session store.
type App struct {
	store       *store.Store
	query       QueryService
	topK        int
	minScore    float64
	streamDelay time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	closing  bool

	// running counts reservations; stop cancels their work on shutdown.
	running sync.WaitGroup
	stop    context.Context
	halt    context.CancelFunc
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Query == nil {
		return nil, ErrNoQuery
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	minScore := defaultMinScore
	if cfg.MinScore != nil {
		minScore = *cfg.MinScore
	}
	delay := cfg.StreamDelay
	if delay <= 0 {
		delay = defaultStreamDelay
	}
	stop, halt := context.WithCancel(context.Background())
	return &App{
		stop:        stop,
		halt:        halt,
		store:       cfg.Store,
		query:       cfg.Query,
		topK:        topK,
		minScore:    minScore,
		streamDelay: delay,
		inflight:    make(map[string]struct{}),
	}, nil
}

// Store returns the underlying session store.
func (a *App) Store() *store.Store {
	return a.store
}

// AskQuestion runs a full round trip and returns once the answer is installed.
// Unknown sessions are ignored.
func (a *App) AskQuestion(ctx context.Context, sessionID, question, docID string) error {
	done, err := a.StartQuestion(ctx, sessionID, question, docID)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// StartQuestion appends the user message and the answer placeholder, then
// resolves the answer in the background. The returned channel closes when the
// placeholder has its final content. A session with a question already in
// flight is rejected with ErrSessionBusy and left untouched.
func (a *App) StartQuestion(ctx context.Context, sessionID, question, docID string) (<-chan struct{}, error) {
	done := make(chan struct{})
	log := util.LoggerFromContext(ctx).With("session_id", sessionID)
	if _, ok := a.store.Session(sessionID); !ok {
		log.Debug("ask on unknown session ignored")
		close(done)
		return done, nil
	}
	if err := a.reserve(sessionID); err != nil {
		return nil, err
	}
	if a.store.HasStreaming(sessionID) {
		a.release(sessionID)
		return nil, ErrSessionBusy
	}

	a.store.BeginLoading()
	finish := func() {
		a.store.EndLoading()
		a.release(sessionID)
		close(done)
	}
	if _, ok := a.store.AddMessage(sessionID, domain.NewMessage{Content: question, IsUser: true}); !ok {
		finish()
		return done, nil
	}
	placeholderID, ok := a.store.AddMessage(sessionID, domain.NewMessage{IsStreaming: true})
	if !ok {
		finish()
		return done, nil
	}

	minScore := a.minScore
	req := domain.QueryRequest{
		Question: question,
		TopK:     a.topK,
		MinScore: &minScore,
		DocID:    docID,
	}
	go func() {
		defer finish()
		ctx, cancel := a.bind(ctx)
		defer cancel()
		a.resolve(ctx, log.With("message_id", placeholderID), sessionID, placeholderID, req)
	}()
	return done, nil
}

// bind derives a context that is also cancelled by Shutdown.
func (a *App) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	unbind := context.AfterFunc(a.stop, cancel)
	return ctx, func() {
		unbind()
		cancel()
	}
}

// Shutdown waits for in-flight asks and streams. When ctx expires first, it
// cancels them, which makes pending queries fail into their placeholders and
// streams jump to their final text, and waits for that to finish.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		a.halt()
		<-drained
		return ctx.Err()
	}
}

func (a *App) resolve(ctx context.Context, log *slog.Logger, sessionID string, placeholderID int, req domain.QueryRequest) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("query panicked", "panic", r)
			a.fail(sessionID, placeholderID, fmt.Sprint(r))
		}
	}()
	start := time.Now()
	resp, err := a.query.Query(ctx, req)
	if err != nil {
		log.Error("query failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		a.fail(sessionID, placeholderID, err.Error())
		return
	}
	if !resp.Success || resp.Answer == nil {
		msg := resp.Error
		if msg == "" {
			msg = defaultFailureText
		}
		log.Warn("query reported failure", "error", msg)
		a.fail(sessionID, placeholderID, msg)
		return
	}
	log.Info("query answered", "sources", len(resp.Answer.Sources), "duration_ms", time.Since(start).Milliseconds())
	a.streamText(ctx, sessionID, placeholderID, resp.Answer.Text, StreamMetadata{
		Sources:    resp.Answer.Sources,
		Confidence: resp.Answer.Confidence,
	})
}

func (a *App) fail(sessionID string, messageID int, reason string) {
	a.store.UpdateMessage(sessionID, messageID, store.MessagePatch{
		Content:     store.Some(fmt.Sprintf(apologyFormat, reason)),
		IsStreaming: store.Some(false),
	})
}

func (a *App) reserve(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return ErrClosed
	}
	if _, busy := a.inflight[sessionID]; busy {
		return ErrSessionBusy
	}
	a.inflight[sessionID] = struct{}{}
	a.running.Add(1)
	return nil
}

func (a *App) release(sessionID string) {
	a.mu.Lock()
	delete(a.inflight, sessionID)
	a.mu.Unlock()
	a.running.Done()
}

// Busy reports whether the session has a question in flight.
func (a *App) Busy(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.inflight[sessionID]
	return busy
}
