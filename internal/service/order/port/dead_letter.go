package port

import (
	"context"
	"time"
)

// DeadLetter 记录一条被确认丢弃的流条目及其原因
type DeadLetter struct {
	Stream     string
	EntryID    string
	Payload    string
	Class      string
	Reason     string
	OccurredAt time.Time
}

// DeadLetterPublisher 把被丢弃的消息转存到死信主题，便于后续人工处理
type DeadLetterPublisher interface {
	Publish(ctx context.Context, letter DeadLetter) error
}
