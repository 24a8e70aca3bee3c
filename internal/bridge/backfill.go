package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/store"
)

const (
	backfillInterval = 30 * time.Second
	backfillBatch    = 100
)

// publishRecord mirrors one fresh send record to the broker and marks
// it published on success. Failures leave the row for the backfill.
func (b *Bridge) publishRecord(msg *store.Message) {
	if !b.mqtt.Connected() {
		return
	}
	if err := b.mqtt.PublishJSON("send_result", msg); err != nil {
		b.log.Warn("send result not published", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}
	if err := b.db.MarkPublished(msg.ID); err != nil {
		b.log.Warn("publish flag not stored", zap.Int64("id", msg.ID), zap.Error(err))
	}
}

// backfillLoop republishes send records that never reached the broker.
// Rows stay unpublished until a publish succeeds, so a broker outage
// loses nothing.
func (b *Bridge) backfillLoop(ctx context.Context) {
	ticker := time.NewTicker(backfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.republishPending()
		}
	}
}

func (b *Bridge) republishPending() {
	if !b.mqtt.Connected() {
		return
	}
	msgs, err := b.db.UnpublishedMessages(backfillBatch)
	if err != nil {
		b.log.Error("backfill query failed", zap.Error(err))
		return
	}
	published := 0
	for _, msg := range msgs {
		if err := b.mqtt.PublishJSON("send_result", msg); err != nil {
			b.log.Warn("backfill publish failed", zap.Int64("id", msg.ID), zap.Error(err))
			break
		}
		if err := b.db.MarkPublished(msg.ID); err != nil {
			b.log.Warn("publish flag not stored", zap.Int64("id", msg.ID), zap.Error(err))
		}
		published++
	}
	if published > 0 {
		b.log.Info("backfilled send records", zap.Int("count", published))
	}
}
