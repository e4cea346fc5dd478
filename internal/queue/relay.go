package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bid_engine/internal/logger"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink 接收 Relay 转发的事件，成功返回后 Relay 才 ACK stream 条目。
type Sink interface {
	Publish(ctx context.Context, ev AuctionEvent) error
}

// SinkFunc 让普通函数实现 Sink（direct 模式直接写投影库）。
type SinkFunc func(ctx context.Context, ev AuctionEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev AuctionEvent) error { return f(ctx, ev) }

// noBlock 交给 go-redis 时不带 BLOCK 参数。
const noBlock = -1

// Relay 将 Redis Stream outbox 事件异步转发到 Sink。
// 语义：Sink 成功后才 ACK Stream，失败则保留消息等待重试（at-least-once）。
// 单个 Relay 按 stream 顺序串行处理，同一拍卖的事件顺序不变。
type Relay struct {
	rdb  *rd.Client
	sink Sink

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink Sink, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		logger.Error("relay ensure group", zap.String("stream", r.stream), zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.poll(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("relay poll", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// poll 先处理当前消费者历史 pending，没有遗留时再读新消息。
// 遇到 Sink 失败立即返回，剩余消息留在 pending 里下次按原顺序重试。
func (r *Relay) poll(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", noBlock)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	done := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			return done, fmt.Errorf("process message id=%s: %w", xm.ID, err)
		}
		done++
	}
	return done, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    64,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 64)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parseAuctionEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		logger.Warn("relay drop malformed event", zap.String("message_id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(pubCtx, ev); err != nil {
		logger.Warn("relay publish failed",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("auction_id", ev.AuctionID),
			zap.Error(err),
		)
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}
