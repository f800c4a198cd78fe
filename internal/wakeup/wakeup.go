// Package wakeup carries "new outbox rows" hints from the write path to
// publisher workers over Redis pub/sub. Hints are best effort: publishers
// still poll, so a lost hint only delays publication by one poll interval.
package wakeup

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Notifier struct {
	rdb     *redis.Client
	channel string
}

func NewNotifier(rdb *redis.Client, channel string) *Notifier {
	return &Notifier{rdb: rdb, channel: channel}
}

// Notify publishes one hint.
func (n *Notifier) Notify(ctx context.Context) error {
	return n.rdb.Publish(ctx, n.channel, "1").Err()
}

// Subscribe returns a channel that receives a value whenever a hint arrives.
// Bursts collapse into one pending signal. The channel is closed when ctx ends.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string, log *zap.Logger) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := rdb.Subscribe(ctx, channel)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					log.Warn("wakeup subscription closed", zap.String("channel", channel))
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
