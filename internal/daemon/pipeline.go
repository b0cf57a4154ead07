package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/threadkeeper/internal/observability"
	"github.com/harun/threadkeeper/internal/tracing"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/harun/threadkeeper/pkg/conversation"
	"github.com/harun/threadkeeper/pkg/persona"
	"github.com/harun/threadkeeper/pkg/responder"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const assistantAuthor = "assistant"

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Manager            *conversation.Manager
	Responder          responder.Responder
	Persona            *persona.Store
	MaxContextMessages int
	SummaryEvery       int // 0 disables summaries
	DedupeTTL          time.Duration
	Clock              clockwork.Clock
	Logger             zerolog.Logger
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// Pipeline turns an inbound message into a reply: record the user turn, ask
// the responder, record the assistant turn. Messages of one thread are
// handled one at a time.
type Pipeline struct {
	mgr          *conversation.Manager
	responder    responder.Responder
	persona      *persona.Store
	maxContext   int
	summaryEvery int
	dedupe       *messageDedupeCache
	logger       zerolog.Logger

	mu         sync.Mutex
	locks      map[string]*threadLock
	summarized map[string]int
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Persona == nil {
		cfg.Persona = persona.NewStore(persona.Default())
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 10
	}
	return &Pipeline{
		mgr:          cfg.Manager,
		responder:    cfg.Responder,
		persona:      cfg.Persona,
		maxContext:   cfg.MaxContextMessages,
		summaryEvery: cfg.SummaryEvery,
		dedupe:       newMessageDedupeCache(cfg.DedupeTTL, cfg.Clock),
		logger:       cfg.Logger.With().Str("component", "pipeline").Logger(),
		locks:        make(map[string]*threadLock),
		summarized:   make(map[string]int),
	}
}

// Handle is the channels.DispatchFunc of the daemon. Responder failures are
// answered with the persona error text; the user turn stays recorded.
func (p *Pipeline) Handle(ctx context.Context, msg channels.InboundMessage) (string, error) {
	if msg.ThreadID == "" {
		return "", fmt.Errorf("thread id is required")
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx, msg.Channel, msg.ThreadID)
	}
	ctx, span := tracing.StartThreadSpan(ctx, tracing.TracerPipeline, "pipeline.handle", msg.ThreadID,
		attribute.String("channel", msg.Channel))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	if key := deliveryKey(msg); key != "" && p.dedupe.Seen(key) {
		logger.Debug().Str("delivery_key", key).Msg("Duplicate delivery ignored")
		return "", nil
	}
	observability.RecordInbound(msg.Channel)

	unlock := p.lockThread(msg.ThreadID)
	defer unlock()

	_, existed := p.mgr.Get(msg.ThreadID)
	p.mgr.GetOrCreate(ctx, msg.ThreadID, msg.ChannelID, msg.AuthorID)
	if !p.mgr.AddMessage(ctx, msg.ThreadID, msg.AuthorID, text, conversation.RoleUser) {
		return "", fmt.Errorf("failed to record message for thread %q", msg.ThreadID)
	}

	reply, err := p.responder.Respond(ctx, responder.Request{
		ThreadID: msg.ThreadID,
		System:   p.persona.System(),
		Prompt:   p.mgr.GetConversationContext(msg.ThreadID, p.maxContext),
	})
	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().Err(err).Str("provider", p.responder.Provider()).Msg("Responder failed")
		return p.persona.ErrorText(), nil
	}

	reply = strings.TrimSpace(reply)
	if reply != "" {
		p.mgr.AddMessage(ctx, msg.ThreadID, assistantAuthor, reply, conversation.RoleAssistant)
	}
	p.maybeSummarize(ctx, msg.ThreadID, logger)

	if !existed {
		logger.Info().Msg("New thread greeted")
		if reply == "" {
			return p.persona.Greeting(), nil
		}
		return p.persona.Greeting() + "\n\n" + reply, nil
	}
	return reply, nil
}

// maybeSummarize refreshes the context summary once SummaryEvery messages
// have been added since the previous one. Failures keep the old summary.
func (p *Pipeline) maybeSummarize(ctx context.Context, threadID string, logger zerolog.Logger) {
	if p.summaryEvery <= 0 {
		return
	}
	sess, ok := p.mgr.Get(threadID)
	if !ok {
		return
	}

	p.mu.Lock()
	last := p.summarized[threadID]
	p.mu.Unlock()
	if len(sess.Messages)-last < p.summaryEvery {
		return
	}

	ctx, span := tracing.StartThreadSpan(ctx, tracing.TracerPipeline, "pipeline.summarize", threadID,
		attribute.Int("messages", len(sess.Messages)))
	defer span.End()

	sess.ContextSummary = ""
	text := conversation.BuildContext(sess, len(sess.Messages), p.persona.Labels())
	summary, err := p.responder.Respond(ctx, responder.Request{
		ThreadID: threadID,
		Prompt:   p.persona.SummaryPrompt(text),
	})
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Msg("Summary generation failed")
		return
	}
	if summary = strings.TrimSpace(summary); summary == "" {
		return
	}

	if p.mgr.UpdateContextSummary(threadID, summary) {
		p.mu.Lock()
		p.summarized[threadID] = len(sess.Messages)
		p.mu.Unlock()
		logger.Debug().Int("messages", len(sess.Messages)).Msg("Context summary updated")
	}
}

// lockThread serializes work on one thread. Locks are reference counted so
// idle threads do not pin memory.
func (p *Pipeline) lockThread(threadID string) func() {
	p.mu.Lock()
	l, ok := p.locks[threadID]
	if !ok {
		l = &threadLock{}
		p.locks[threadID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, threadID)
		}
		p.mu.Unlock()
	}
}

// Maintain prunes expired delivery keys and reports how many remain.
func (p *Pipeline) Maintain() int {
	return p.dedupe.cleanupExpired()
}

// deliveryKey identifies a channel delivery when the channel supplies a
// message id.
func deliveryKey(msg channels.InboundMessage) string {
	id, ok := msg.Metadata["message_id"]
	if !ok || id == nil {
		return ""
	}
	return fmt.Sprintf("%s|%v", msg.ThreadID, id)
}
