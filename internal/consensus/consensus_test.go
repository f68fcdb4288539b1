package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/orchestrator/internal/models"
)

func msg(sender, content string, turn int) models.Message {
	return models.Message{Sender: sender, Content: content, Turn: turn, Timestamp: time.Now()}
}

func TestReachSingleMessageIsSingleResponse(t *testing.T) {
	e := New(AlgorithmMajority, nil, nil, "", 0)
	out, err := e.Reach(context.Background(), []models.Message{msg("agent_0", "only answer", 1)})
	require.NoError(t, err)
	assert.Equal(t, models.MethodSingleResponse, out.Method)
	assert.Equal(t, 1, out.WinningVotes)
	assert.Equal(t, 1, out.TotalVotes)
}

func TestReachEmptyInputIsValidationError(t *testing.T) {
	e := New(AlgorithmMajority, nil, nil, "", 0)
	_, err := e.Reach(context.Background(), nil)
	assert.Error(t, err)
}

func TestReachUnknownAlgorithmIsConfigurationError(t *testing.T) {
	e := New(Algorithm("bogus"), nil, nil, "", 0)
	_, err := e.Reach(context.Background(), []models.Message{msg("agent_0", "a", 1), msg("agent_1", "b", 1)})
	assert.Error(t, err)
}

func TestMajorityClearWinnerByVoteCount(t *testing.T) {
	messages := []models.Message{
		msg("agent_0", "Red.", 2),
		msg("agent_1", "Red.", 2),
		msg("agent_2", "Blue.", 2),
	}
	out := reachMajority(messages)
	assert.Equal(t, "Red.", out.FinalAnswer)
	assert.Equal(t, 2, out.WinningVotes)
	assert.Equal(t, 3, out.TotalVotes)
	assert.Equal(t, models.MethodMajorityVote, out.Method)
}

func TestMajorityTieBreaksByLengthThenLex(t *testing.T) {
	messages := []models.Message{
		msg("agent_0", "Red.", 2),
		msg("agent_1", "Red is warm.", 2),
		msg("agent_2", "Blue.", 2),
	}
	out := reachMajority(messages)
	assert.Equal(t, "Red is warm.", out.FinalAnswer)
	assert.Equal(t, 1, out.WinningVotes)
	assert.Equal(t, 3, out.TotalVotes)
}

func TestMajorityBallotIsFirstNonEmptyLine(t *testing.T) {
	messages := []models.Message{
		msg("agent_0", "\n\nSame answer\nwith more detail", 1),
		msg("agent_1", "Same answer\nwith other detail", 1),
		msg("agent_2", "Different.", 1),
	}
	out := reachMajority(messages)
	assert.Contains(t, out.FinalAnswer, "Same answer")
	assert.Equal(t, 2, out.WinningVotes)
}

type fakeCompleter struct {
	calls     []string
	responses []string
	err       error
}

func (f *fakeCompleter) Complete(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, prompt)
	i := len(f.calls) - 1
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "fused answer", nil
}

func TestSynthesisSummarizesEachAgentThenFuses(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"summary one", "summary two", "final fused answer"}}
	e := New(AlgorithmSynthesis, nil, fc, "claude-3-5-haiku", 256)

	messages := []models.Message{
		msg("user", "Pick a color.", 0),
		msg("agent_0", "Red, because it is warm.", 1),
		msg("agent_1", "Blue, because it is calm.", 1),
	}

	out, err := e.Reach(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, "final fused answer", out.FinalAnswer)
	assert.Equal(t, models.MethodSynthesis, out.Method)
	assert.Equal(t, 2, out.WinningVotes)
	assert.Equal(t, 3, out.TotalVotes)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, synthesisConfidence, *out.Confidence)
	assert.Len(t, fc.calls, 3)
	assert.Contains(t, fc.calls[2], "Pick a color.")
}

func TestSynthesisPropagatesCompleterError(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("provider down")}
	e := New(AlgorithmSynthesis, nil, fc, "claude-3-5-haiku", 256)
	messages := []models.Message{
		msg("user", "Pick a color.", 0),
		msg("agent_0", "Red.", 1),
		msg("agent_1", "Blue.", 1),
	}
	_, err := e.Reach(context.Background(), messages)
	assert.Error(t, err)
}

func TestSynthesisWithoutCompleterIsConfigurationError(t *testing.T) {
	e := New(AlgorithmSynthesis, nil, nil, "", 0)
	messages := []models.Message{msg("agent_0", "a", 1), msg("agent_1", "b", 1)}
	_, err := e.Reach(context.Background(), messages)
	assert.Error(t, err)
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func TestSemanticDegradesToMajorityBelowFourMessages(t *testing.T) {
	e := New(AlgorithmSemantic, &fakeEmbedder{}, nil, "", 0)
	messages := []models.Message{
		msg("agent_0", "Red.", 2),
		msg("agent_1", "Red.", 2),
		msg("agent_2", "Blue.", 2),
	}
	out, err := e.Reach(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, models.MethodMajorityVote, out.Method)
}

func TestSemanticClustersByEmbeddingProximity(t *testing.T) {
	vectors := map[string][]float32{
		"Cats are great pets.":        {1, 0},
		"I love cats as companions.":  {0.9, 0.1},
		"Dogs are loyal friends.":     {-1, 0},
		"Dogs make wonderful pets.":   {-0.9, -0.1},
		"The weather today is sunny.": {0, 1},
	}
	embedder := &fakeEmbedder{vectors: vectors}
	e := New(AlgorithmSemantic, embedder, nil, "", 0)

	var messages []models.Message
	for i, content := range []string{
		"Cats are great pets.",
		"I love cats as companions.",
		"Dogs are loyal friends.",
		"Dogs make wonderful pets.",
		"The weather today is sunny.",
	} {
		messages = append(messages, msg("agent_"+string(rune('0'+i)), content, 2))
	}

	out, err := e.Reach(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, models.MethodSemanticCluster, out.Method)
	assert.Equal(t, 5, out.TotalVotes)
	assert.GreaterOrEqual(t, out.WinningVotes, 2)
}

func TestSemanticWithoutEmbedderIsConfigurationError(t *testing.T) {
	e := New(AlgorithmSemantic, nil, nil, "", 0)
	messages := []models.Message{
		msg("agent_0", "a", 1), msg("agent_1", "b", 1),
		msg("agent_2", "c", 1), msg("agent_3", "d", 1),
	}
	_, err := e.Reach(context.Background(), messages)
	assert.Error(t, err)
}
