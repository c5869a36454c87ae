package broker

import (
	"context"
	"fmt"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
)

// PublishShutdown broadcasts a shutdown notice to every subscriber
func PublishShutdown(ctx context.Context, b Broker, notice model.ShutdownNotice) error {
	if err := b.DeclareExchange(ctx, ShutdownExchange, Fanout); err != nil {
		return err
	}
	body, err := notice.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode shutdown notice: %w", err)
	}
	return b.Publish(ctx, ShutdownExchange, "", body)
}

// SubscribeShutdown calls fn for every shutdown notice. Malformed notices
// are logged and skipped.
func SubscribeShutdown(ctx context.Context, b Broker, fn func(context.Context, model.ShutdownNotice)) (Subscription, error) {
	return b.SubscribeFanout(ctx, ShutdownExchange, func(ctx context.Context, msg Message) error {
		notice, err := model.DecodeShutdownNotice(msg.Body)
		if err != nil {
			logger.Warn("ignoring malformed shutdown notice: %v", err)
			return nil
		}
		fn(ctx, notice)
		return nil
	})
}
