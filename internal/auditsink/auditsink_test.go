package auditsink

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/manifold/orchestrator/internal/models"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	_ = godotenv.Load("../../.env")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sink := New(pool)
	require.NoError(t, sink.InitSchema(ctx))
	return sink
}

func TestLogMessageAndMessagesFor(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	conv := "conv-audit-1"

	for i := 0; i < 3; i++ {
		m := models.Message{
			ID:             conv + "-m" + string(rune('0'+i)),
			ConversationID: conv,
			Sender:         "agent_0",
			Content:        "content",
			Turn:           i,
			Timestamp:      time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, sink.LogMessage(ctx, m))
	}

	msgs, err := sink.MessagesFor(ctx, conv, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, 0, msgs[0].Turn)
	assert.Equal(t, 2, msgs[2].Turn)
}

func TestLogMessageRejectsDuplicateID(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	m := models.Message{
		ID:             "conv-audit-dup-m0",
		ConversationID: "conv-audit-dup",
		Sender:         "agent_0",
		Content:        "first",
		Turn:           0,
		Timestamp:      time.Now(),
	}
	require.NoError(t, sink.LogMessage(ctx, m))

	m.Content = "second, same id"
	err := sink.LogMessage(ctx, m)
	require.Error(t, err)
	assert.Equal(t, faultcore.KindValidation, faultcore.KindOf(err))
}

func TestLogResultAndResultFor(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	conv := "conv-audit-2"

	r := models.ConversationResult{
		ConversationID:  conv,
		Prompt:          "what is consensus",
		FinalAnswer:     "an agreed answer",
		TotalTurns:      3,
		TotalMessages:   4,
		CreatedAt:       time.Now(),
		DurationSeconds: 1.5,
	}
	require.NoError(t, sink.LogResult(ctx, r))

	got, err := sink.ResultFor(ctx, conv)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, r.FinalAnswer, got.FinalAnswer)

	missing, err := sink.ResultFor(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSearchMatchesSubstringCaseInsensitive(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	conv := "conv-audit-search"

	require.NoError(t, sink.LogResult(ctx, models.ConversationResult{
		ConversationID: conv,
		Prompt:         "Tell me about Kubernetes scaling",
		FinalAnswer:    "Horizontal pod autoscaling adjusts replica count.",
		CreatedAt:      time.Now(),
	}))

	found, err := sink.Search(ctx, "kubernetes", 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, found)
}

func TestAgentStatsRestrictsToAgentSenders(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	conv := "conv-audit-agentstats"

	require.NoError(t, sink.LogMessage(ctx, models.Message{ID: conv + "-u", ConversationID: conv, Sender: "user", Content: "hi", Turn: 0, Timestamp: time.Now()}))
	require.NoError(t, sink.LogMessage(ctx, models.Message{ID: conv + "-a", ConversationID: conv, Sender: "agent_0", Content: "reply", Turn: 1, Timestamp: time.Now()}))

	stats, err := sink.AgentStats(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats, "agent_0")
	assert.NotContains(t, stats, "user")
}
