// Package stream 基于 Redis Stream 实现带消费组语义的持久化队列
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Entry 是一条流记录
type Entry struct {
	ID     string
	Fields map[string]string
}

// Queue 绑定一个流和一个消费组
type Queue struct {
	rdb    goredis.UniversalClient
	stream string
	group  string

	mu          sync.Mutex
	claimCursor string
}

// New 创建队列，stream 与 group 来自配置
func New(rdb goredis.UniversalClient, stream, group string) *Queue {
	return &Queue{rdb: rdb, stream: stream, group: group, claimCursor: "0-0"}
}

// Stream 返回流的 key
func (q *Queue) Stream() string { return q.stream }

// Group 返回消费组名
func (q *Queue) Group() string { return q.group }

// CreateGroupIfAbsent 幂等地创建消费组；组已存在（BUSYGROUP）是正常情况，返回 false。
// 组从流的起点开始消费，消费者首次启动前已经追加的记录同样会被投递。
func (q *Queue) CreateGroupIfAbsent(ctx context.Context) (bool, error) {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return true, nil
	}
	if IsBusyGroup(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stream: create group %s on %s", q.group, q.stream)
}

// IsBusyGroup 判断是否为“消费组已存在”错误
func IsBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Append 以字段形式追加一条记录，返回记录 ID
func (q *Queue) Append(ctx context.Context, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := q.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: q.stream, Values: values}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "stream: append to %s", q.stream)
	}
	return id, nil
}

// ReadBatch 读取尚未投递给组内任何消费者的记录，没有数据时最多阻塞 block。
// 超时返回空结果，不视为错误。
func (q *Queue) ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		// go-redis 中 Block 为 0 表示无限阻塞，这里约定为不阻塞
		block = -1
	}
	res, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stream: read group %s", q.group)
	}

	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

// ClaimStale 把空闲超过 minIdle 的待确认记录转移给 consumer，实现重新投递。
// 游标在多次调用之间滚动，扫描到末尾后从头开始。
func (q *Queue) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	q.mu.Lock()
	start := q.claimCursor
	q.mu.Unlock()

	msgs, next, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stream: autoclaim on %s", q.stream)
	}
	if next == "" {
		next = "0-0"
	}

	q.mu.Lock()
	q.claimCursor = next
	q.mu.Unlock()
	return toEntries(msgs), nil
}

// Ack 确认记录已处理
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return errors.Wrapf(err, "stream: ack %v", ids)
	}
	return nil
}

// Trim 近似地把流长度限制在 maxLen，超出的最旧记录不论是否确认都会被丢弃
func (q *Queue) Trim(ctx context.Context, maxLen int64) error {
	if maxLen <= 0 {
		return nil
	}
	if err := q.rdb.XTrimMaxLenApprox(ctx, q.stream, maxLen, 0).Err(); err != nil {
		return errors.Wrapf(err, "stream: trim %s", q.stream)
	}
	return nil
}

// PendingCount 返回消费组中尚未确认的记录数
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	res, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "stream: pending on %s", q.stream)
	}
	return res.Count, nil
}

// Len 返回流长度
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	return n, errors.Wrapf(err, "stream: len %s", q.stream)
}

func toEntries(msgs []goredis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries
}
