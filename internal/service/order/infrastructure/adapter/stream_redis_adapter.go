package adapter

import (
	"context"
	"time"

	"stockflow/internal/pkg/stream"
	"stockflow/internal/service/order/port"
)

// StreamRedisAdapter 把 stream.Queue 适配为生产者和消费者两侧的端口
type StreamRedisAdapter struct {
	queue *stream.Queue
}

var (
	_ port.StockUpdatePublisher = (*StreamRedisAdapter)(nil)
	_ port.StockUpdateQueue     = (*StreamRedisAdapter)(nil)
)

func NewStreamRedisAdapter(queue *stream.Queue) *StreamRedisAdapter {
	return &StreamRedisAdapter{queue: queue}
}

// Name 返回流的 key，用于日志和死信记录
func (a *StreamRedisAdapter) Name() string { return a.queue.Stream() }

func (a *StreamRedisAdapter) Append(ctx context.Context, fields map[string]string) (string, error) {
	return a.queue.Append(ctx, fields)
}

func (a *StreamRedisAdapter) CreateGroupIfAbsent(ctx context.Context) (bool, error) {
	return a.queue.CreateGroupIfAbsent(ctx)
}

func (a *StreamRedisAdapter) ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration) ([]port.StreamEntry, error) {
	entries, err := a.queue.ReadBatch(ctx, consumer, count, block)
	return toPortEntries(entries), err
}

func (a *StreamRedisAdapter) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]port.StreamEntry, error) {
	entries, err := a.queue.ClaimStale(ctx, consumer, minIdle, count)
	return toPortEntries(entries), err
}

func (a *StreamRedisAdapter) Ack(ctx context.Context, ids ...string) error {
	return a.queue.Ack(ctx, ids...)
}

func (a *StreamRedisAdapter) Trim(ctx context.Context, maxLen int64) error {
	return a.queue.Trim(ctx, maxLen)
}

func (a *StreamRedisAdapter) PendingCount(ctx context.Context) (int64, error) {
	return a.queue.PendingCount(ctx)
}

func toPortEntries(entries []stream.Entry) []port.StreamEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]port.StreamEntry, len(entries))
	for i, e := range entries {
		out[i] = port.StreamEntry{ID: e.ID, Fields: e.Fields}
	}
	return out
}
