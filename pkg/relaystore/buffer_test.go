package relaystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferMessageAndDrainOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.BufferMessage(ctx, "m1", "req-1", "ConfigService/GetSettings", []byte(`{}`), nil, 0, time.Hour, 0)
	require.NoError(t, err)
	_, err = s.BufferMessage(ctx, "m1", "req-2", "ConfigService/GetSettings", []byte(`{}`), nil, 10, time.Hour, 0)
	require.NoError(t, err)

	count, err := s.CountBufferedMessages(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	msgs, err := s.PendingBuffered(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "req-2", msgs[0].RequestID, "higher priority drains first")

	for _, m := range msgs {
		require.NoError(t, s.DeleteBufferedMessage(ctx, m.ID))
	}
	count, err = s.CountBufferedMessages(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "delivered messages are deleted")
}

func TestBufferMessageRejectsWhenFull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.BufferMessage(ctx, "m1", "req-1", "ConfigService/GetSettings", []byte(`{}`), nil, 0, time.Hour, 1)
	require.NoError(t, err)

	_, err = s.BufferMessage(ctx, "m1", "req-2", "ConfigService/GetSettings", []byte(`{}`), nil, 0, time.Hour, 1)
	assert.Error(t, err)
}

func TestCleanupExpiredBuffer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.BufferMessage(ctx, "m1", "req-1", "ConfigService/GetSettings", []byte(`{}`), nil, 0, -time.Second, 0)
	require.NoError(t, err)

	n, err := s.CleanupExpiredBuffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := s.PendingBuffered(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPendingBufferedExcludesExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.BufferMessage(ctx, "m1", "req-expired", "ConfigService/GetSettings", []byte(`{}`), nil, 0, -time.Second, 0)
	require.NoError(t, err)
	_, err = s.BufferMessage(ctx, "m1", "req-fresh", "ConfigService/GetSettings", []byte(`{}`), nil, 0, time.Hour, 0)
	require.NoError(t, err)

	msgs, err := s.PendingBuffered(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "req-fresh", msgs[0].RequestID)
}
