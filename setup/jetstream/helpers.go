package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer pulls batches of up to batch messages from a durable
// consumer and hands them to f until ctx is done. f never sees an empty
// batch. Returning true acknowledges the batch, false asks for redelivery.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	// Only the last message of a batch is acked, AckAll covers the rest.
	if batch > 1 {
		opts = append(opts, nats.AckAll())
	}
	sub, err := js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("js.PullSubscribe: %w", err)
	}
	c := &pullConsumer{
		sub:     sub,
		durable: durable,
		batch:   batch,
		handle:  f,
		log:     logrus.WithField("subject", subj),
	}
	go c.run(ctx)
	return nil
}

type pullConsumer struct {
	sub     *nats.Subscription
	durable string
	batch   int
	handle  func(ctx context.Context, msgs []*nats.Msg) bool
	log     *logrus.Entry
}

func (c *pullConsumer) run(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := c.sub.Fetch(c.batch, nats.Context(ctx))
		switch {
		case err == nil:
		case isFetchTimeout(err):
			// NATS applies its own fetch deadline, so only stop if ours expired.
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			c.log.WithError(err).Warn("Stopping consumer")
			return
		default:
			sentry.CaptureException(err)
			c.log.WithError(err).Error("Failed to fetch messages")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) > 0 {
			c.deliver(ctx, msgs)
		}
	}
	if err := c.sub.Unsubscribe(); err != nil {
		c.log.WithError(err).Warnf("Failed to unsubscribe %q", c.durable)
	}
}

func (c *pullConsumer) deliver(ctx context.Context, msgs []*nats.Msg) {
	last := msgs[len(msgs)-1]
	if err := last.InProgress(nats.Context(ctx)); err != nil {
		c.report(fmt.Errorf("msg.InProgress: %w", err))
		return
	}
	if c.handle(ctx, msgs) {
		if err := last.AckSync(nats.Context(ctx)); err != nil {
			c.report(fmt.Errorf("msg.AckSync: %w", err))
		}
		return
	}
	if err := last.Nak(nats.Context(ctx)); err != nil {
		c.report(fmt.Errorf("msg.Nak: %w", err))
	}
}

func (c *pullConsumer) report(err error) {
	c.log.Warn(err)
	sentry.CaptureException(err)
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout)
}
