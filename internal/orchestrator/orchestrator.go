// Package orchestrator runs the turn loop: fan a prompt out to a fixed
// set of Agents over N turns, each reading the shared history the prior
// turn wrote, then distills the final turn into one answer via
// ConsensusEngine. This generalizes original_source/app/orchestrator.py's
// Orchestrator.run_conversation (and its *_with_streaming twin, folded
// into a single implementation since BroadcastHub here is always
// present — a caller that wants no live subscribers simply never
// Attaches one).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/manifold/orchestrator/internal/broadcast"
	"github.com/manifold/orchestrator/internal/consensus"
	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
	"github.com/manifold/orchestrator/internal/observability"
	"github.com/manifold/orchestrator/internal/vectorstore"
)

// State is a conversation's position in its lifecycle. Transitions are
// never re-entered for the same conversation_id: Idle -> Running ->
// AwaitingConsensus -> Completed or Failed.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateAwaitingConsensus State = "awaiting_consensus"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Respondent is the subset of agent.Agent the turn loop needs, so it can
// be driven by a fake in tests.
type Respondent interface {
	Respond(ctx context.Context, history []models.Message) (string, error)
}

// agentHandle pairs a Respondent with the identity fields the turn loop
// writes into each Message and uses to name its circuit breaker.
type agentHandle struct {
	ID    string
	Model string
	Agent Respondent
}

// Embedder is the capability VectorStore indexing uses to turn a
// conversation summary into a vector; nil disables step 4.11 entirely.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MessageStream is the subset of messagebus.Bus the turn loop needs
// (*messagebus.Bus satisfies it), so tests can drive RunConversation
// against an in-memory fake rather than a live Redis instance.
type MessageStream interface {
	Append(ctx context.Context, m models.Message) (string, error)
	History(ctx context.Context, conv string, count int) ([]models.Message, error)
}

// AuditLogger is the subset of auditsink.Sink the turn loop needs
// (*auditsink.Sink satisfies it).
type AuditLogger interface {
	LogMessage(ctx context.Context, m models.Message) error
	LogResult(ctx context.Context, r models.ConversationResult) error
}

// Orchestrator wires the message bus, audit sink, optional vector store,
// agents, consensus engine, retry/breaker primitives and broadcast hub
// behind RunConversation; rate limiting and authentication are not part of it.
type Orchestrator struct {
	Bus       MessageStream
	Audit     AuditLogger
	Hub       *broadcast.Hub
	Vector    *vectorstore.Store // nil disables §4.11
	Embedder  Embedder           // nil disables §4.11
	Consensus *consensus.Engine

	Retry    faultcore.RetryPolicy
	Breakers *faultcore.Registry

	HistoryWindow int // defaults to 50 per spec.md §4.10 step 2b

	agents []agentHandle

	mu     sync.Mutex
	states map[string]State
}

// New constructs an Orchestrator. agents is ordered and fixed for the
// lifetime of the Orchestrator, matching spec.md §5's "Agent instances are
// effectively read-only after construction."
func New(bus MessageStream, audit AuditLogger, hub *broadcast.Hub, engine *consensus.Engine, retry faultcore.RetryPolicy, breakers *faultcore.Registry) *Orchestrator {
	return &Orchestrator{
		Bus:           bus,
		Audit:         audit,
		Hub:           hub,
		Consensus:     engine,
		Retry:         retry,
		Breakers:      breakers,
		HistoryWindow: 50,
		states:        make(map[string]State),
	}
}

// AddAgent registers a, identified by id and model, appended to the
// fixed fan-out roster in registration order.
func (o *Orchestrator) AddAgent(id, model string, a Respondent) {
	o.agents = append(o.agents, agentHandle{ID: id, Model: model, Agent: a})
}

func (o *Orchestrator) setState(conversationID string, s State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev, seen := o.states[conversationID]
	if seen && (prev == StateCompleted || prev == StateFailed) {
		return faultcore.Validation("conversation %s has already reached a terminal state (%s)", conversationID, prev)
	}
	o.states[conversationID] = s
	return nil
}

// State returns the last recorded state for conversationID, or
// StateIdle if it has never been seen.
func (o *Orchestrator) State(conversationID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[conversationID]; ok {
		return s
	}
	return StateIdle
}

// RunConversation executes the full turn loop for one conversation: the
// exact write/publish ordering of spec.md §4.10, step by step.
func (o *Orchestrator) RunConversation(ctx context.Context, prompt, conversationID string, turns int) (models.ConversationResult, error) {
	start := time.Now()
	log := observability.LoggerWithTrace(ctx)

	if err := o.setState(conversationID, StateRunning); err != nil {
		return models.ConversationResult{}, err
	}

	var messages []models.Message

	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         "user",
		Content:        prompt,
		Turn:           0,
		Timestamp:      time.Now(),
	}
	messages = append(messages, userMsg)

	// Step 1: BroadcastHub -> AuditSink -> MessageBus.
	o.Hub.Publish(conversationID, broadcast.ConversationStarted(conversationID, prompt, turns))
	if err := o.Audit.LogMessage(ctx, userMsg); err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}
	if _, err := o.Bus.Append(ctx, userMsg); err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}
	o.Hub.Publish(conversationID, broadcast.MessageEvent(userMsg))

	for t := 1; t <= turns; t++ {
		o.Hub.Publish(conversationID, broadcast.TurnStarted(t, len(o.agents)))

		history, err := o.Bus.History(ctx, conversationID, o.HistoryWindow)
		if err != nil {
			o.fail(ctx, conversationID, err)
			return models.ConversationResult{}, err
		}

		replies, err := o.runTurn(ctx, conversationID, t, history)
		if err != nil {
			o.Hub.Publish(conversationID, broadcast.ErrorEvent(err.Error(), conversationID))
			o.fail(ctx, conversationID, err)
			return models.ConversationResult{}, err
		}

		for _, reply := range replies {
			if err := o.Audit.LogMessage(ctx, reply); err != nil {
				o.fail(ctx, conversationID, err)
				return models.ConversationResult{}, err
			}
			if _, err := o.Bus.Append(ctx, reply); err != nil {
				o.fail(ctx, conversationID, err)
				return models.ConversationResult{}, err
			}
			o.Hub.Publish(conversationID, broadcast.AgentResponse(reply))
		}
		messages = append(messages, replies...)

		o.Hub.Publish(conversationID, broadcast.TurnCompleted(t, len(replies)))
		log.Info().Str("conversation_id", conversationID).Int("turn", t).Int("responses", len(replies)).Msg("turn_completed")
	}

	if err := o.setState(conversationID, StateAwaitingConsensus); err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}
	o.Hub.Publish(conversationID, broadcast.ConsensusStarted("Agents reaching consensus..."))

	// Construct ConsensusEngine input: [user_message] ++ C in the general
	// case, with two edge-case overrides from spec.md §4.10 — turns==0
	// skips the agent phase entirely (input is just the user message),
	// and K==1 (exactly one final-turn agent reply) is trivially
	// single_response on that one message, not on [user_message, reply]
	// (which would otherwise make Majority tie the prompt against the
	// only reply).
	var finalTurn []models.Message
	for _, m := range messages {
		if m.Turn == turns && hasAgentPrefix(m.Sender) {
			finalTurn = append(finalTurn, m)
		}
	}
	switch {
	case turns == 0:
		finalTurn = []models.Message{userMsg}
	case len(finalTurn) == 1:
		// leave as-is: Engine.Reach short-circuits single-message input.
	default:
		finalTurn = append([]models.Message{userMsg}, finalTurn...)
	}

	outcome, err := o.Consensus.Reach(ctx, finalTurn)
	if err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}

	consensusMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         "consensus",
		Content:        outcome.FinalAnswer,
		Turn:           turns + 1,
		Timestamp:      time.Now(),
	}
	if err := o.Audit.LogMessage(ctx, consensusMsg); err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}
	if _, err := o.Bus.Append(ctx, consensusMsg); err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}
	messages = append(messages, consensusMsg)

	result := models.ConversationResult{
		ConversationID:  conversationID,
		Prompt:          prompt,
		FinalAnswer:     outcome.FinalAnswer,
		TotalTurns:      turns,
		TotalMessages:   len(messages),
		CreatedAt:       time.Now(),
		DurationSeconds: time.Since(start).Seconds(),
	}
	if err := o.Audit.LogResult(ctx, result); err != nil {
		o.fail(ctx, conversationID, err)
		return models.ConversationResult{}, err
	}

	o.Hub.Publish(conversationID, broadcast.ConsensusReached(outcome))
	o.Hub.Publish(conversationID, broadcast.ConversationCompleted(conversationID, len(messages), outcome.FinalAnswer))

	if err := o.setState(conversationID, StateCompleted); err != nil {
		return models.ConversationResult{}, err
	}

	o.indexSummary(ctx, conversationID, result)

	return result, nil
}

// runTurn fans out to every agent in parallel, publishing agent_thinking
// before dispatch and agent_error as each failed agent settles
// (agent_response is published by RunConversation once each reply has been
// written to AuditSink and MessageBus). A
// per-agent failure excludes that agent from the turn rather than
// aborting it (spec.md §4.10.2.d); only a turn with zero successes is an
// error. Each g.Go callback returns nil regardless of its agent's outcome
// — mirroring internal/agent/warpp.go's own errgroup usage — so one
// agent's failure never cancels its siblings' in-flight calls.
func (o *Orchestrator) runTurn(ctx context.Context, conversationID string, turn int, history []models.Message) ([]models.Message, error) {
	replies := make([]*models.Message, len(o.agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range o.agents {
		i, h := i, h
		o.Hub.Publish(conversationID, broadcast.AgentThinking(h.ID, turn))

		g.Go(func() error {
			breaker := o.Breakers.Get(fmt.Sprintf("llm:%s", h.Model))
			result, err := faultcore.Execute(gctx, h.ID, &o.Retry, breaker, func(ctx context.Context) (any, error) {
				return h.Agent.Respond(ctx, history)
			})
			if err != nil {
				o.Hub.Publish(conversationID, broadcast.AgentError(h.ID, err.Error(), turn))
				return nil
			}
			content, _ := result.(string)
			replies[i] = &models.Message{
				ID:             uuid.NewString(),
				ConversationID: conversationID,
				Sender:         h.ID,
				Content:        content,
				Turn:           turn,
				Timestamp:      time.Now(),
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []models.Message
	for _, r := range replies {
		if r != nil {
			out = append(out, *r)
		}
	}
	if len(out) == 0 {
		return nil, faultcore.NoAgentResponses("no valid agent responses in turn %d", turn)
	}
	return out, nil
}

func hasAgentPrefix(sender string) bool {
	return len(sender) > 6 && sender[:6] == "agent_"
}

func (o *Orchestrator) fail(ctx context.Context, conversationID string, cause error) {
	observability.LoggerForConversation(ctx, conversationID).Error().Err(cause).Msg("conversation_failed")
	o.mu.Lock()
	o.states[conversationID] = StateFailed
	o.mu.Unlock()
}

// indexSummary implements spec.md §4.11: after the conversation result is
// written, embed a one-line summary and upsert it into VectorStore.
// Failure is logged and otherwise swallowed — it never turns a completed
// conversation into a failed one.
func (o *Orchestrator) indexSummary(ctx context.Context, conversationID string, result models.ConversationResult) {
	if o.Vector == nil || o.Embedder == nil {
		return
	}
	summary := fmt.Sprintf("%s => %s", result.Prompt, result.FinalAnswer)
	vec, err := o.Embedder.Embed(ctx, summary)
	if err != nil {
		observability.LoggerForConversation(ctx, conversationID).Warn().Err(err).Msg("summary_embedding_failed")
		return
	}
	payload := map[string]string{
		"summary":         summary,
		"conversation_id": conversationID,
	}
	if err := o.Vector.Upsert(ctx, conversationID, vec, payload); err != nil {
		observability.LoggerForConversation(ctx, conversationID).Warn().Err(err).Msg("vector_upsert_failed")
	}
}
