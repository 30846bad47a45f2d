package vault

import (
	"testing"
	"time"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure("ws1", model.ProviderOpenAI)
		assert.NoError(t, b.Allow("ws1", model.ProviderOpenAI))
	}

	b.RecordFailure("ws1", model.ProviderOpenAI)
	err := b.Allow("ws1", model.ProviderOpenAI)
	require.Error(t, err)
	assert.Equal(t, perrors.CodeCircuitOpen, perrors.CodeOf(err))

	// Other keys are unaffected.
	assert.NoError(t, b.Allow("ws2", model.ProviderOpenAI))
	assert.NoError(t, b.Allow("ws1", model.ProviderAnthropic))
}

func TestBreaker_ResetsAfterCooldown(t *testing.T) {
	b := NewBreaker(5, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure("ws1", model.ProviderOpenAI)
	}
	require.Error(t, b.Allow("ws1", model.ProviderOpenAI))

	// Still within cooldown.
	now = now.Add(59 * time.Second)
	require.Error(t, b.Allow("ws1", model.ProviderOpenAI))

	// Cooldown elapsed: next call goes through and the counter resets.
	now = now.Add(time.Second)
	assert.NoError(t, b.Allow("ws1", model.ProviderOpenAI))
	assert.Equal(t, 0, b.Failures("ws1", model.ProviderOpenAI))
}

func TestBreaker_SuccessClosesImmediately(t *testing.T) {
	b := NewBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordFailure("ws1", model.ProviderGemini)
	}
	require.Error(t, b.Allow("ws1", model.ProviderGemini))

	b.RecordSuccess("ws1", model.ProviderGemini)
	assert.NoError(t, b.Allow("ws1", model.ProviderGemini))
	assert.Equal(t, 0, b.Failures("ws1", model.ProviderGemini))
}
