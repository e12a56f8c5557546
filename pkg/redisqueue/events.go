package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Event is an entry of the queue event stream.
type Event struct {
	StreamID string
	Name     string
	JobID    string
	Values   map[string]string
}

// EventHandler is called for every event in stream order.
type EventHandler func(ctx context.Context, ev Event)

// EventListener follows the event stream of a queue from its tail.
type EventListener struct {
	// Required components
	Log     *zap.Logger
	Queue   *Queue
	Handler EventHandler
	// Optional config
	Block time.Duration // XREAD block timeout, default 1s
	Batch int64         // max events per read, default 128

	streamID  string
	readyOnce sync.Once
	ready     chan struct{}
	initOnce  sync.Once
}

func (l *EventListener) init() {
	l.initOnce.Do(func() {
		l.ready = make(chan struct{})
	})
}

// Ready is closed once the listener resolved the stream tail.
// Events appended after that are guaranteed to be delivered.
func (l *EventListener) Ready() <-chan struct{} {
	l.init()
	return l.ready
}

// Run reads events until ctx is canceled.
func (l *EventListener) Run(ctx context.Context) error {
	l.init()
	for ctx.Err() == nil {
		var err error
		if l.streamID == "" {
			err = l.resolveTail(ctx)
		} else {
			err = l.read(ctx)
		}
		if err != nil && ctx.Err() == nil {
			l.Log.Error("Failed to read queue events",
				zap.String("queue", l.Queue.Name), zap.Error(err))
			if sleep(ctx, time.Second) != nil {
				break
			}
		}
	}
	return ctx.Err()
}

func (l *EventListener) resolveTail(ctx context.Context) error {
	msgs, err := l.Queue.Redis.XRevRangeN(ctx, l.Queue.Keys.Events, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to get stream tail: %w", err)
	}
	if len(msgs) > 0 {
		l.streamID = msgs[0].ID
	} else {
		l.streamID = "0-0"
	}
	l.readyOnce.Do(func() { close(l.ready) })
	return nil
}

func (l *EventListener) read(ctx context.Context) error {
	block := l.Block
	if block <= 0 {
		block = time.Second
	}
	batch := l.Batch
	if batch <= 0 {
		batch = 128
	}
	streams, err := l.Queue.Redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{l.Queue.Keys.Events, l.streamID},
		Count:   batch,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	} else if err != nil {
		return err
	}
	if len(streams) < 1 {
		return nil
	}
	for _, msg := range streams[0].Messages {
		l.streamID = msg.ID
		ev := Event{
			StreamID: msg.ID,
			Values:   make(map[string]string, len(msg.Values)),
		}
		for k, v := range msg.Values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			switch k {
			case "event":
				ev.Name = s
			case "jobId":
				ev.JobID = s
			default:
				ev.Values[k] = s
			}
		}
		if ev.Name == "" {
			continue
		}
		l.Handler(ctx, ev)
	}
	return nil
}
