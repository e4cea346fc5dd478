package auction

import (
	"context"
	"time"

	"bid_engine/internal/logger"
	"bid_engine/internal/model"

	"go.uber.org/zap"
)

// tickTimeout 单次 tick 的上限，进程退出时也让已开始的关闭跑完。
const tickTimeout = 30 * time.Second

// TickResult 一次 tick 的统计。
type TickResult struct {
	Due     int
	Closed  int
	Skipped int
	Failed  int
}

// AutoCloser 定时从到期索引中取出 end ≤ now 的拍卖并关闭。
// 每次最多处理 batchLimit 个，剩下的留给下一次 tick。
type AutoCloser struct {
	svc        *Service
	interval   time.Duration
	batchLimit int
	now        func() time.Time
}

func NewAutoCloser(svc *Service, interval time.Duration, batchLimit int) *AutoCloser {
	if interval <= 0 {
		interval = time.Second
	}
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &AutoCloser{svc: svc, interval: interval, batchLimit: batchLimit, now: time.Now}
}

// Run 阻塞直到 ctx 取消；tick 按固定间隔串行执行。
func (a *AutoCloser) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
			res := a.Tick(tickCtx, a.now())
			cancel()
			if res.Due > 0 {
				logger.Debug("auto close tick",
					zap.Int("due", res.Due),
					zap.Int("closed", res.Closed),
					zap.Int("skipped", res.Skipped),
					zap.Int("failed", res.Failed),
				)
			}
		}
	}
}

// Tick 执行一轮到期关闭。单个拍卖关闭失败不影响同批其它拍卖。
// 拿到任何业务结果后都删除调度项：已被其它路径关闭的拍卖会得到 NOT_OPEN，直接丢弃即可。
// 基础设施错误时保留调度项，下一次 tick 重试。
func (a *AutoCloser) Tick(ctx context.Context, now time.Time) TickResult {
	ids, err := a.svc.store.DueAuctions(ctx, now, a.batchLimit)
	if err != nil {
		logger.Error("query due auctions failed", zap.Error(err))
		return TickResult{}
	}

	res := TickResult{Due: len(ids)}
	for _, id := range ids {
		closed, err := a.svc.CloseAuction(ctx, id, now)
		switch {
		case err != nil:
			res.Failed++
			continue
		case closed.Outcome == model.OutcomeOK:
			res.Closed++
		default:
			res.Skipped++
		}

		if err := a.svc.Unschedule(ctx, id); err != nil {
			logger.Error("unschedule failed", zap.String("auction_id", id), zap.Error(err))
		}
	}
	return res
}
