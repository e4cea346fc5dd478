package queue

import (
	"context"
	"encoding/json"
	"time"

	"bid_engine/internal/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Applier 把事件应用到持久化投影，必须幂等。
type Applier interface {
	Apply(ctx context.Context, ev AuctionEvent) error
}

// Consumer 从 Kafka 读取拍卖事件并交给 Applier。
// 每条消息应用成功（或判定为脏消息丢弃）后才提交 offset；分区内串行，同一拍卖有序。
type Consumer struct {
	r       *kafka.Reader
	applier Applier
	retry   time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, applier Applier) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
			MaxWait:  500 * time.Millisecond,
		}),
		applier: applier,
		retry:   time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / reader 关闭
		}

		// 投影库故障时原地重试，不跳过消息；ctx 取消则不提交，由下次启动重投。
		for {
			err := c.handle(ctx, m)
			if err == nil {
				break
			}
			logger.Error("consumer apply failed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.String("key", string(m.Key)),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retry):
			}
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("consumer commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle 解码失败或字段不全的消息直接丢弃（返回 nil），只有应用失败才返回 error。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	var ev AuctionEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		logger.Warn("consumer drop undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if err := ev.Validate(); err != nil {
		logger.Warn("consumer drop invalid event", zap.String("event_id", ev.EventID), zap.Error(err))
		return nil
	}
	return c.applier.Apply(ctx, ev)
}
