package auction

import (
	"context"
	"errors"
	"time"

	"bid_engine/internal/logger"
	"bid_engine/internal/model"
	auctionredis "bid_engine/pkg/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidTimeRange 结束时间不晚于开始时间，属于调用方错误。
var ErrInvalidTimeRange = errors.New("end time must be after start time")

// ErrAmountOutOfRange 金额超出 [0, model.MaxAmount]（出价为 [1, model.MaxAmount]），属于调用方错误。
var ErrAmountOutOfRange = errors.New("amount out of range")

// ErrAuctionExists 生成的 auction id 与已有拍卖冲突（uuid 下几乎不可能出现）。
var ErrAuctionExists = errors.New("auction already exists")

// Store 是引擎依赖的快速存储，每个写操作都必须是单个原子事务。
type Store interface {
	CreateAuction(ctx context.Context, a model.Auction, eventID string) (bool, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, bool, error)
	PlaceBid(ctx context.Context, auctionID, bidID, bidderID string, amount int64, now time.Time, eventID string) (auctionredis.BidReply, error)
	CloseAuction(ctx context.Context, auctionID string, now time.Time, eventID string) (auctionredis.CloseReply, error)
	ListTopBids(ctx context.Context, auctionID string, limit int) ([]model.Bid, error)
	DueAuctions(ctx context.Context, now time.Time, limit int) ([]string, error)
	Unschedule(ctx context.Context, auctionID string) error
}

// CreateAuctionInput 创建拍卖的入参，价格与必填项已由上游校验。
type CreateAuctionInput struct {
	SellerID      string
	Title         string
	Description   string
	StartingPrice int64
	ReservePrice  *int64
	StartTime     time.Time
	EndTime       time.Time
}

// PlaceBidResult 出价结果。Outcome 非 OK 时 HighestBid/HighestBidderID 为 nil，且不会产生 Bid。
type PlaceBidResult struct {
	BidID           string        `json:"bid_id"`
	AuctionID       string        `json:"auction_id"`
	Outcome         model.Outcome `json:"status"`
	HighestBid      *int64        `json:"highest_bid"`
	HighestBidderID *string       `json:"highest_bidder_id"`
}

// CloseResult 关闭结果。流拍时 WinningBid/WinnerID 为 nil。
type CloseResult struct {
	AuctionID  string              `json:"auction_id"`
	Outcome    model.Outcome       `json:"outcome"`
	Status     model.AuctionStatus `json:"status,omitempty"`
	WinningBid *int64              `json:"winning_bid"`
	WinnerID   *string             `json:"winner_id"`
}

// Service 出价/关闭引擎。所有并发调用方（HTTP、调度器）都走同一组原子操作，引擎自身不加锁。
type Service struct {
	store Store
	newID func() string
}

func NewService(store Store) *Service {
	return &Service{store: store, newID: func() string { return uuid.New().String() }}
}

// CreateAuction 创建 OPEN 状态的拍卖，并在同一事务里写入调度项与创建事件。
func (s *Service) CreateAuction(ctx context.Context, in CreateAuctionInput, now time.Time) (model.Auction, error) {
	if !in.EndTime.After(in.StartTime) {
		return model.Auction{}, ErrInvalidTimeRange
	}
	if !priceInRange(in.StartingPrice) || (in.ReservePrice != nil && !priceInRange(*in.ReservePrice)) {
		return model.Auction{}, ErrAmountOutOfRange
	}

	a := model.Auction{
		ID:            s.newID(),
		SellerID:      in.SellerID,
		Title:         in.Title,
		Description:   in.Description,
		Status:        model.StatusOpen,
		StartingPrice: in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.store.CreateAuction(ctx, a, s.newID())
	if err != nil {
		logger.Error("create auction failed", zap.String("auction_id", a.ID), zap.Error(err))
		return model.Auction{}, err
	}
	if !created {
		return model.Auction{}, ErrAuctionExists
	}

	logger.Info("auction created",
		zap.String("auction_id", a.ID),
		zap.String("seller_id", a.SellerID),
		zap.Int64("starting_price", a.StartingPrice),
		zap.Time("end_time", a.EndTime),
	)
	return a, nil
}

// GetAuction 读取实时视图，found=false 表示不存在。
func (s *Service) GetAuction(ctx context.Context, auctionID string) (model.Auction, bool, error) {
	return s.store.GetAuction(ctx, auctionID)
}

// PlaceBid 原子出价。业务拒绝通过 Outcome 返回，error 只表示基础设施故障（调用方不能假定已生效）。
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64, now time.Time) (PlaceBidResult, error) {
	if amount < 1 || amount > model.MaxAmount {
		return PlaceBidResult{}, ErrAmountOutOfRange
	}
	bidID := s.newID()
	reply, err := s.store.PlaceBid(ctx, auctionID, bidID, bidderID, amount, now, s.newID())
	if err != nil {
		logger.Error("place bid failed",
			zap.String("auction_id", auctionID),
			zap.String("bidder_id", bidderID),
			zap.Error(err),
		)
		return PlaceBidResult{}, err
	}

	res := PlaceBidResult{BidID: bidID, AuctionID: auctionID, Outcome: reply.Outcome}
	if reply.Outcome != model.OutcomeOK {
		logger.Debug("bid rejected",
			zap.String("auction_id", auctionID),
			zap.String("bidder_id", bidderID),
			zap.Int64("amount", amount),
			zap.String("outcome", string(reply.Outcome)),
		)
		return res, nil
	}
	highest, bidder := reply.HighestBid, reply.HighestBidderID
	res.HighestBid = &highest
	res.HighestBidderID = &bidder
	return res, nil
}

// CloseAuction 原子关闭。调度项的删除由调用方在之后执行（见 Unschedule）。
func (s *Service) CloseAuction(ctx context.Context, auctionID string, now time.Time) (CloseResult, error) {
	reply, err := s.store.CloseAuction(ctx, auctionID, now, s.newID())
	if err != nil {
		logger.Error("close auction failed", zap.String("auction_id", auctionID), zap.Error(err))
		return CloseResult{}, err
	}

	res := CloseResult{
		AuctionID:  auctionID,
		Outcome:    reply.Outcome,
		Status:     reply.Status,
		WinningBid: reply.WinningBid,
		WinnerID:   reply.WinnerID,
	}
	if reply.Outcome == model.OutcomeOK {
		fields := []zap.Field{zap.String("auction_id", auctionID), zap.String("status", string(reply.Status))}
		if reply.WinnerID != nil {
			fields = append(fields, zap.String("winner_id", *reply.WinnerID), zap.Int64("winning_bid", *reply.WinningBid))
		}
		logger.Info("auction closed", fields...)
	}
	return res, nil
}

// Unschedule 把拍卖移出到期索引，重复调用是 no-op。
func (s *Service) Unschedule(ctx context.Context, auctionID string) error {
	return s.store.Unschedule(ctx, auctionID)
}

// ListTopBids 金额降序的前 limit 条出价，拍卖不存在时返回空。
func (s *Service) ListTopBids(ctx context.Context, auctionID string, limit int) ([]model.Bid, error) {
	return s.store.ListTopBids(ctx, auctionID, limit)
}

func priceInRange(v int64) bool {
	return v >= 0 && v <= model.MaxAmount
}
