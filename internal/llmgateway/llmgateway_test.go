package llmgateway

import (
	"errors"
	"testing"

	"github.com/manifold/orchestrator/internal/faultcore"
	"github.com/stretchr/testify/assert"
)

func TestProviderForDispatchesByPrefix(t *testing.T) {
	assert.Equal(t, providerGoogle, providerFor("gemini-1.5-flash"))
	assert.Equal(t, providerOpenAI, providerFor("gpt-4o"))
	assert.Equal(t, providerOpenAI, providerFor("o4-mini"))
	assert.Equal(t, providerAnthropic, providerFor("claude-3-7-sonnet-latest"))
}

func TestIsOpenAIReasoningModel(t *testing.T) {
	assert.True(t, isOpenAIReasoningModel("o1-pro"))
	assert.True(t, isOpenAIReasoningModel("o4-mini"))
	assert.False(t, isOpenAIReasoningModel("gpt-4o"))
	assert.False(t, isOpenAIReasoningModel("opus-next"))
}

func TestClassifyStatusNonRetryableAuth(t *testing.T) {
	err := classifyStatus(401, errors.New("unauthorized"))
	assert.Equal(t, faultcore.KindAuthentication, faultcore.KindOf(err))
	assert.False(t, faultcore.Retryable(err))
}

func TestClassifyStatusValidationNonRetryable(t *testing.T) {
	err := classifyStatus(400, errors.New("bad request"))
	assert.Equal(t, faultcore.KindValidation, faultcore.KindOf(err))
	assert.False(t, faultcore.Retryable(err))
}

func TestClassifyStatusRateLimitedRetryable(t *testing.T) {
	err := classifyStatus(429, errors.New("too many requests"))
	assert.True(t, faultcore.Retryable(err))
}

func TestClassifyStatusServerErrorRetryable(t *testing.T) {
	err := classifyStatus(503, errors.New("unavailable"))
	assert.Equal(t, faultcore.KindDependency, faultcore.KindOf(err))
	assert.True(t, faultcore.Retryable(err))
}
