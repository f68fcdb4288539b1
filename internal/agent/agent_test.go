package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/orchestrator/internal/models"
)

type fakeGateway struct {
	lastPrompt string
	response   string
	err        error
}

func (f *fakeGateway) Complete(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	f.lastPrompt = prompt
	return f.response, f.err
}

func TestDefaultPersonalityByID(t *testing.T) {
	a := New("agent_1", "claude-3-5-haiku", 0.7, 512, "", &fakeGateway{})
	assert.Equal(t, "You are a creative and innovative thinker who looks for novel solutions.", a.Personality)

	unknown := New("agent_99", "claude-3-5-haiku", 0.7, 512, "", &fakeGateway{})
	assert.Equal(t, fallbackPersonality, unknown.Personality)
}

func TestRenderPromptTruncatesToLast10AndIncludesInstruction(t *testing.T) {
	gw := &fakeGateway{response: "my view"}
	a := New("agent_0", "claude-3-5-haiku", 0.7, 512, "", gw)

	history := make([]models.Message, 0, 15)
	for i := 0; i < 15; i++ {
		history = append(history, models.Message{Sender: "user", Content: "msg", Turn: i, Timestamp: time.Now()})
	}

	_, err := a.Respond(context.Background(), history)
	require.NoError(t, err)

	occurrences := 0
	for i := 0; i+len("user: msg") <= len(gw.lastPrompt); i++ {
		if gw.lastPrompt[i:i+len("user: msg")] == "user: msg" {
			occurrences++
		}
	}
	assert.Equal(t, 10, occurrences)
	assert.Contains(t, gw.lastPrompt, "As agent_0, provide your perspective")
}

func TestRespondPropagatesGatewayError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	a := New("agent_0", "claude-3-5-haiku", 0.7, 512, "", gw)
	_, err := a.Respond(context.Background(), nil)
	assert.Error(t, err)
}

func TestRespondRejectsEmptyResponse(t *testing.T) {
	gw := &fakeGateway{response: "   "}
	a := New("agent_0", "claude-3-5-haiku", 0.7, 512, "", gw)
	_, err := a.Respond(context.Background(), nil)
	assert.Error(t, err)
}
