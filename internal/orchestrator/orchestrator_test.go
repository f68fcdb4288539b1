package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/orchestrator/internal/broadcast"
	"github.com/manifold/orchestrator/internal/consensus"
	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
)

// fakeBus is an in-memory MessageStream: one append-only log per
// conversation, good enough to drive one conversation's History reads
// within a test.
type fakeBus struct {
	mu   sync.Mutex
	logs map[string][]models.Message
}

func newFakeBus() *fakeBus { return &fakeBus{logs: make(map[string][]models.Message)} }

func (b *fakeBus) Append(ctx context.Context, m models.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[m.ConversationID] = append(b.logs[m.ConversationID], m)
	return "0-0", nil
}

func (b *fakeBus) History(ctx context.Context, conv string, count int) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.logs[conv]
	if len(all) > count {
		all = all[len(all)-count:]
	}
	out := make([]models.Message, len(all))
	copy(out, all)
	return out, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	logged  []models.Message
	results []models.ConversationResult
}

func newFakeAudit() *fakeAudit { return &fakeAudit{} }

func (a *fakeAudit) LogMessage(ctx context.Context, m models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logged = append(a.logged, m)
	return nil
}

func (a *fakeAudit) LogResult(ctx context.Context, r models.ConversationResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
	return nil
}

type scriptedAgent struct {
	responses []string
	err       error
	calls     int
}

func (s *scriptedAgent) Respond(ctx context.Context, history []models.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func newTestOrchestrator(engine *consensus.Engine) (*Orchestrator, *fakeBus, *fakeAudit) {
	bus := newFakeBus()
	audit := newFakeAudit()
	o := New(bus, audit, broadcast.New(), engine, faultcore.RetryPolicy{MaxAttempts: 1}, faultcore.NewRegistry(faultcore.DefaultCircuitBreakerConfig()))
	return o, bus, audit
}

func TestRunConversationHappyPathTwoTurns(t *testing.T) {
	engine := consensus.New(consensus.AlgorithmMajority, nil, nil, "", 0)
	o, _, audit := newTestOrchestrator(engine)
	o.AddAgent("agent_0", "claude-3-5-haiku", &scriptedAgent{responses: []string{"Red.", "Red is best."}})
	o.AddAgent("agent_1", "claude-3-5-haiku", &scriptedAgent{responses: []string{"Blue.", "Red is best."}})

	result, err := o.RunConversation(context.Background(), "Pick a color.", "conv-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Red is best.", result.FinalAnswer)
	assert.Equal(t, 2, result.TotalTurns)
	assert.Equal(t, StateCompleted, o.State("conv-1"))

	// user + 2 + 2 + consensus = 6
	assert.Equal(t, 6, result.TotalMessages)
	assert.Len(t, audit.results, 1)
}

func TestRunConversationExcludesFailingAgentButContinues(t *testing.T) {
	engine := consensus.New(consensus.AlgorithmMajority, nil, nil, "", 0)
	o, _, _ := newTestOrchestrator(engine)
	o.AddAgent("agent_0", "claude-3-5-haiku", &scriptedAgent{responses: []string{"Only answer."}})
	o.AddAgent("agent_1", "claude-3-5-haiku", &scriptedAgent{err: errors.New("provider down")})

	result, err := o.RunConversation(context.Background(), "Pick a color.", "conv-2", 1)
	require.NoError(t, err)
	assert.Equal(t, "Only answer.", result.FinalAnswer)
	assert.Equal(t, models.MethodSingleResponse, resultMethod(t, engine, result))
}

func resultMethod(t *testing.T, engine *consensus.Engine, result models.ConversationResult) models.ConsensusMethod {
	t.Helper()
	// K==1 edge case: the surviving agent's single final-turn message
	// alone determines the method via Engine.Reach's own shortcut.
	out, err := engine.Reach(context.Background(), []models.Message{{Sender: "agent_0", Content: result.FinalAnswer, Turn: 1}})
	require.NoError(t, err)
	return out.Method
}

func TestRunConversationFailsWhenAllAgentsFail(t *testing.T) {
	engine := consensus.New(consensus.AlgorithmMajority, nil, nil, "", 0)
	o, _, _ := newTestOrchestrator(engine)
	o.AddAgent("agent_0", "claude-3-5-haiku", &scriptedAgent{err: errors.New("provider down")})
	o.AddAgent("agent_1", "claude-3-5-haiku", &scriptedAgent{err: errors.New("provider down")})

	_, err := o.RunConversation(context.Background(), "Pick a color.", "conv-3", 1)
	require.Error(t, err)
	assert.Equal(t, faultcore.KindNoAgentResponse, faultcore.KindOf(err))
	assert.Equal(t, StateFailed, o.State("conv-3"))
}

func TestRunConversationZeroTurnsIsSingleResponseOnPrompt(t *testing.T) {
	engine := consensus.New(consensus.AlgorithmMajority, nil, nil, "", 0)
	o, _, _ := newTestOrchestrator(engine)
	o.AddAgent("agent_0", "claude-3-5-haiku", &scriptedAgent{responses: []string{"unused"}})

	result, err := o.RunConversation(context.Background(), "Just echo this.", "conv-4", 0)
	require.NoError(t, err)
	assert.Equal(t, "Just echo this.", result.FinalAnswer)
}

func TestRunConversationRejectsReentryAfterTerminalState(t *testing.T) {
	engine := consensus.New(consensus.AlgorithmMajority, nil, nil, "", 0)
	o, _, _ := newTestOrchestrator(engine)
	o.AddAgent("agent_0", "claude-3-5-haiku", &scriptedAgent{responses: []string{"answer"}})

	_, err := o.RunConversation(context.Background(), "first", "conv-5", 1)
	require.NoError(t, err)

	_, err = o.RunConversation(context.Background(), "again", "conv-5", 1)
	assert.Error(t, err)
}
