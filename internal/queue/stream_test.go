package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	q := NewStreamQueue(rdb, "confidant:jobs", "workers", "c1", 10*time.Millisecond)
	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.EnsureGroup(ctx), "existing group is fine")

	_, err := q.Enqueue(ctx, Job{ChatID: 1})
	require.Error(t, err, "kind is required")

	_, err = q.Enqueue(ctx, Job{
		Kind:              KindSendMessage,
		ChatID:            1,
		UserID:            2,
		ThreadID:          "t-1",
		MessageID:         "m-1",
		TelegramMessageID: 55,
		Mode:              "venting",
	})
	require.NoError(t, err)

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	msgs, err := q.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	job := msgs[0].Job
	require.NotEmpty(t, job.JobID)
	require.False(t, job.EnqueuedAt.IsZero())
	require.Equal(t, KindSendMessage, job.Kind)
	require.Equal(t, "m-1", job.MessageID)
	require.EqualValues(t, 55, job.TelegramMessageID)

	require.NoError(t, q.Ack(ctx, msgs[0].ID))
	n, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	msgs, err = q.Read(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
