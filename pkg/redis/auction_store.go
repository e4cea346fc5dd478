package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bid_engine/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// ErrUnexpectedReply 表示 Lua 脚本返回了无法识别的结构。
var ErrUnexpectedReply = errors.New("unexpected script reply")

// BidReply 出价脚本结果；Outcome != OK 时其余字段为空。
type BidReply struct {
	Outcome         model.Outcome
	HighestBid      int64
	HighestBidderID string
}

// CloseReply 关闭脚本结果；流拍时 WinningBid/WinnerID 为 nil。
type CloseReply struct {
	Outcome    model.Outcome
	Status     model.AuctionStatus
	WinningBid *int64
	WinnerID   *string
}

// AuctionStore 是拍卖的快速存储：实时状态、出价排行、到期调度索引与 outbox stream。
type AuctionStore struct {
	rdb    *rd.Client
	stream string
}

func NewAuctionStore(rdb *rd.Client, stream string) *AuctionStore {
	return &AuctionStore{rdb: rdb, stream: stream}
}

// Stream 返回 outbox stream 的 key。
func (s *AuctionStore) Stream() string { return s.stream }

// CreateAuction 原子写入拍卖、调度项与 AUCTION_CREATED 事件。id 已存在时返回 false。
func (s *AuctionStore) CreateAuction(ctx context.Context, a model.Auction, eventID string) (bool, error) {
	reserve := ""
	if a.ReservePrice != nil {
		reserve = strconv.FormatInt(*a.ReservePrice, 10)
	}
	keys := []string{AuctionKey(a.ID), ScheduleKey(), s.stream}
	n, err := s.rdb.Eval(ctx, luaCreateAuction, keys,
		a.ID,
		a.SellerID,
		a.Title,
		a.Description,
		a.StartingPrice,
		reserve,
		a.StartTime.UnixMilli(),
		a.EndTime.UnixMilli(),
		a.CreatedAt.UnixMilli(),
		eventID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("create auction %s: %w", a.ID, err)
	}
	return n == 1, nil
}

// GetAuction 读取拍卖 hash。found=false 表示 key 不存在。
func (s *AuctionStore) GetAuction(ctx context.Context, auctionID string) (model.Auction, bool, error) {
	m, err := s.rdb.HGetAll(ctx, AuctionKey(auctionID)).Result()
	if err != nil {
		return model.Auction{}, false, fmt.Errorf("get auction %s: %w", auctionID, err)
	}
	if len(m) == 0 {
		return model.Auction{}, false, nil
	}

	a := model.Auction{
		ID:            auctionID,
		SellerID:      m["seller_id"],
		Title:         m["title"],
		Description:   m["description"],
		Status:        model.AuctionStatus(m["status"]),
		StartingPrice: parseInt(m["starting_price"]),
		ReservePrice:  parseOptionalInt(m["reserve_price"]),
		StartTime:     parseMillis(m["start_time_ms"]),
		EndTime:       parseMillis(m["end_time_ms"]),
		HighestBid:    parseOptionalInt(m["highest_bid"]),
		CreatedAt:     parseMillis(m["created_at_ms"]),
		UpdatedAt:     parseMillis(m["updated_at_ms"]),
	}
	if v, ok := m["highest_bidder_id"]; ok && v != "" {
		a.HighestBidderID = &v
	}
	return a, true, nil
}

// PlaceBid 原子执行出价校验与写入（排行、最高价缓存、BID_PLACED 事件）。
func (s *AuctionStore) PlaceBid(ctx context.Context, auctionID, bidID, bidderID string, amount int64, now time.Time, eventID string) (BidReply, error) {
	keys := []string{AuctionKey(auctionID), AuctionBidsKey(auctionID), BidKey(bidID), s.stream}
	res, err := s.rdb.Eval(ctx, luaPlaceBid, keys,
		now.UnixMilli(), bidID, bidderID, amount, auctionID, eventID,
	).StringSlice()
	if err != nil {
		return BidReply{}, fmt.Errorf("place bid on %s: %w", auctionID, err)
	}
	if len(res) == 0 {
		return BidReply{}, ErrUnexpectedReply
	}
	outcome, ok := model.ParseOutcome(res[0])
	if !ok {
		return BidReply{}, fmt.Errorf("%w: %q", ErrUnexpectedReply, res[0])
	}
	if outcome != model.OutcomeOK {
		return BidReply{Outcome: outcome}, nil
	}
	if len(res) < 3 {
		return BidReply{}, ErrUnexpectedReply
	}
	highest, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return BidReply{}, fmt.Errorf("%w: highest bid %q", ErrUnexpectedReply, res[1])
	}
	return BidReply{Outcome: outcome, HighestBid: highest, HighestBidderID: res[2]}, nil
}

// CloseAuction 原子关闭拍卖并写 AUCTION_CLOSED 事件。调度项不在这里删除，由调用方处理。
func (s *AuctionStore) CloseAuction(ctx context.Context, auctionID string, now time.Time, eventID string) (CloseReply, error) {
	keys := []string{AuctionKey(auctionID), s.stream}
	res, err := s.rdb.Eval(ctx, luaCloseAuction, keys, now.UnixMilli(), auctionID, eventID).StringSlice()
	if err != nil {
		return CloseReply{}, fmt.Errorf("close auction %s: %w", auctionID, err)
	}
	if len(res) == 0 {
		return CloseReply{}, ErrUnexpectedReply
	}
	outcome, ok := model.ParseOutcome(res[0])
	if !ok {
		return CloseReply{}, fmt.Errorf("%w: %q", ErrUnexpectedReply, res[0])
	}
	if outcome != model.OutcomeOK {
		return CloseReply{Outcome: outcome}, nil
	}
	if len(res) < 4 {
		return CloseReply{}, ErrUnexpectedReply
	}

	out := CloseReply{Outcome: outcome, Status: model.AuctionStatus(res[1])}
	if out.Status == model.StatusClosed {
		bid, err := strconv.ParseInt(res[2], 10, 64)
		if err != nil {
			return CloseReply{}, fmt.Errorf("%w: winning bid %q", ErrUnexpectedReply, res[2])
		}
		winner := res[3]
		out.WinningBid = &bid
		out.WinnerID = &winner
	}
	return out, nil
}

// ListTopBids 按金额降序返回前 limit 条出价；拍卖或出价不存在时返回空切片。
func (s *AuctionStore) ListTopBids(ctx context.Context, auctionID string, limit int) ([]model.Bid, error) {
	if limit <= 0 {
		return []model.Bid{}, nil
	}
	ids, err := s.rdb.ZRevRange(ctx, AuctionBidsKey(auctionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list bids of %s: %w", auctionID, err)
	}
	if len(ids) == 0 {
		return []model.Bid{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*rd.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, BidKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load bids of %s: %w", auctionID, err)
	}

	bids := make([]model.Bid, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		bids = append(bids, model.Bid{
			ID:        ids[i],
			AuctionID: auctionID,
			BidderID:  m["bidder_id"],
			Amount:    parseInt(m["amount"]),
			PlacedAt:  parseMillis(m["placed_at_ms"]),
		})
	}
	return bids, nil
}

// DueAuctions 返回结束时间 ≤ now 的拍卖 id，按结束时间升序，最多 limit 个。
func (s *AuctionStore) DueAuctions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, ScheduleKey(), &rd.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	return ids, nil
}

// Unschedule 删除调度项，不存在时为 no-op。
func (s *AuctionStore) Unschedule(ctx context.Context, auctionID string) error {
	if err := s.rdb.ZRem(ctx, ScheduleKey(), auctionID).Err(); err != nil {
		return fmt.Errorf("unschedule %s: %w", auctionID, err)
	}
	return nil
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func parseOptionalInt(v string) *int64 {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	return time.UnixMilli(parseInt(v))
}
