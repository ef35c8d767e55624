package heartbeat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkerrin/gconsume/errs"
	"github.com/mkerrin/gconsume/heartbeat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendIfNecessary_RespectsInterval(t *testing.T) {
	var calls int
	h := heartbeat.New(heartbeat.SenderFunc(func(context.Context) error {
		calls++
		return nil
	}), 50*time.Millisecond)

	require.NoError(t, h.SendIfNecessary(context.Background()))
	require.NoError(t, h.SendIfNecessary(context.Background()))
	assert.Equal(t, 1, calls, "second call within the interval must be a no-op")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, h.SendIfNecessary(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestSendIfNecessary_WrapsFailureAsHeartbeatError(t *testing.T) {
	boom := errors.New("boom")
	h := heartbeat.New(heartbeat.SenderFunc(func(context.Context) error {
		return boom
	}), time.Millisecond)

	err := h.SendIfNecessary(context.Background())
	require.Error(t, err)
	hbErr, ok := errs.AsHeartbeatError(err)
	require.True(t, ok)
	assert.ErrorIs(t, hbErr, boom)
}

func TestSendIfNecessary_FailureDoesNotUpdateLastSent(t *testing.T) {
	var calls int
	failing := true
	h := heartbeat.New(heartbeat.SenderFunc(func(context.Context) error {
		calls++
		if failing {
			return errors.New("boom")
		}
		return nil
	}), time.Hour)

	require.Error(t, h.SendIfNecessary(context.Background()))
	failing = false
	require.NoError(t, h.SendIfNecessary(context.Background()))
	assert.Equal(t, 2, calls, "a failed beacon must not block the immediate retry")
}

func TestReset_ForcesImmediateResend(t *testing.T) {
	var calls int
	h := heartbeat.New(heartbeat.SenderFunc(func(context.Context) error {
		calls++
		return nil
	}), time.Hour)

	require.NoError(t, h.SendIfNecessary(context.Background()))
	h.Reset()
	require.NoError(t, h.SendIfNecessary(context.Background()))
	assert.Equal(t, 2, calls)
}
