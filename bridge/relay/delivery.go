/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/internal/retry"
)

// deliver sends queued messages to the host as soon as they are posted. A
// failed message is retried in the background by the send policy and then
// dropped, later messages do not wait for it. Retries stop once the context
// is done.
func (b *Bridge) deliver(ctx context.Context) {
	var retries sync.WaitGroup
	for message := range b.outbound {
		err := b.host.Send(message)
		if err == nil {
			b.delivered(message)
			continue
		}
		if ctx.Err() != nil || b.options.SendMaxRetries <= 0 {
			b.dropped(message, err)
			continue
		}

		retries.Add(1)
		go func(message *Message, err error) {
			defer retries.Done()
			b.retrySend(ctx, message, err)
		}(message, err)
	}
	retries.Wait()
}

func (b *Bridge) retrySend(ctx context.Context, message *Message, err error) {
	logger := b.logger.WithField("type", message.Type)
	policy := &retry.Policy{
		MaxRetries: b.options.SendMaxRetries,
		Delay:      b.options.SendDelay,
		OnRetry: func(retry int, err error) {
			b.metrics.messagesRetried.Inc()
			logger.WithError(err).WithField("retry", retry).Debugln("host message send failed, retry scheduled")
		},
	}

	err = policy.Retry(ctx, err, func(ctx context.Context, attempt int) error {
		return b.host.Send(message)
	})
	if err != nil {
		b.dropped(message, err)
		return
	}
	b.delivered(message)
}

func (b *Bridge) delivered(message *Message) {
	b.metrics.messagesSent.Inc()
	b.logger.WithFields(logrus.Fields{
		"type":         message.Type,
		"payload_size": len(message.Payload),
	}).Debugln("host message sent")
}

func (b *Bridge) dropped(message *Message, err error) {
	b.metrics.messagesDropped.Inc()
	b.logger.WithError(err).WithField("type", message.Type).Warnln("host message dropped")
}
