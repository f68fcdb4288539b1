// Package agent is a new package of the same name as the teacher's ReAct
// tool-use engine (internal/agent in the source repo), but implements an
// unrelated domain: a single-prompt conversational participant,
// generalizing the source system's Gemini-only Agent class (agent.py)
// into a provider-agnostic one backed by llmgateway.
package agent

import (
	"context"
	"strings"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/llmgateway"
	"github.com/manifold/orchestrator/internal/models"
)

// defaultPersonalities mirrors agent.py's _get_default_personality table
// exactly.
var defaultPersonalities = map[string]string{
	"agent_0": "You are a logical and analytical thinker who focuses on facts and evidence.",
	"agent_1": "You are a creative and innovative thinker who looks for novel solutions.",
	"agent_2": "You are a critical thinker who questions assumptions and finds potential issues.",
	"agent_3": "You are a practical thinker who focuses on implementation and feasibility.",
}

const fallbackPersonality = "You are a helpful AI assistant."

const historyWindow = 10

// Completer is the subset of llmgateway.Gateway that Agent needs, so
// tests can substitute a fake.
type Completer interface {
	Complete(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error)
}

var _ Completer = (*llmgateway.Gateway)(nil)

// Agent is one conversational participant: a fixed model, personality
// preamble, and sampling temperature.
type Agent struct {
	ID          string
	Model       string
	Personality string
	Temperature float64
	MaxTokens   int

	gateway Completer
}

// New returns an Agent for id, falling back to the id-keyed default
// personality (or the generic fallback) when personality is empty.
func New(id, model string, temperature float64, maxTokens int, personality string, gateway Completer) *Agent {
	if personality == "" {
		personality = defaultPersonality(id)
	}
	return &Agent{
		ID:          id,
		Model:       model,
		Personality: personality,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		gateway:     gateway,
	}
}

func defaultPersonality(id string) string {
	if p, ok := defaultPersonalities[id]; ok {
		return p
	}
	return fallbackPersonality
}

// Respond renders a prompt from the last 10 messages of history and the
// agent's personality, then completes it via the gateway. A failure is
// returned as-is (a retryable faultcore.Fault in the common case); the
// caller (Orchestrator) decides whether to exclude this agent from the
// turn rather than Agent silently degrading to a placeholder response.
func (a *Agent) Respond(ctx context.Context, history []models.Message) (string, error) {
	prompt := a.renderPrompt(history)
	text, err := a.gateway.Complete(ctx, a.Model, prompt, a.Temperature, a.MaxTokens)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", faultcore.Dependency("agent %s: empty response from model", a.ID)
	}
	return text, nil
}

func (a *Agent) renderPrompt(history []models.Message) string {
	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	var sb strings.Builder
	sb.WriteString("Agent Personality: ")
	sb.WriteString(a.Personality)
	sb.WriteString("\n")
	for _, m := range recent {
		sb.WriteString(m.Sender)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nAs ")
	sb.WriteString(a.ID)
	sb.WriteString(", provide your perspective on the conversation. Be concise but thoughtful, and consider the views of other agents.")
	return sb.String()
}
