package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bid_engine/internal/logger"
	"bid_engine/internal/model"
	"bid_engine/internal/queue"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Projector 把拍卖事件幂等地投影到持久化库。
// 每个 handler 都是按实体 id 的 upsert，重复投递只有第一次生效，不依赖去重表。
// 引用尚不存在拍卖的 BID_PLACED / AUCTION_CLOSED 不报错，对拍卖行的更新直接丢弃。
type Projector struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Projector {
	return &Projector{db: db}
}

// Migrate 建表。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.AuctionRecord{}, &model.BidRecord{})
}

// Apply 实现 queue.Applier。未知事件类型只记录日志。
func (p *Projector) Apply(ctx context.Context, ev queue.AuctionEvent) error {
	var err error
	switch ev.EventType {
	case queue.EventAuctionCreated:
		err = p.applyCreated(ctx, ev)
	case queue.EventBidPlaced:
		err = p.applyBidPlaced(ctx, ev)
	case queue.EventAuctionClosed:
		err = p.applyClosed(ctx, ev)
	default:
		logger.Warn("projector drop unknown event type",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", ev.EventType, ev.EventID, err)
	}
	return nil
}

// applyCreated 冲突时只覆盖创建期字段，状态和最高价不会被重投的创建事件重置。
func (p *Projector) applyCreated(ctx context.Context, ev queue.AuctionEvent) error {
	if ev.SellerID == nil || ev.Title == nil || ev.StartingPrice == nil || ev.StartTime == nil || ev.EndTime == nil {
		return errors.New("incomplete creation payload")
	}
	occurred := time.UnixMilli(ev.OccurredAt)
	rec := model.AuctionRecord{
		ID:            ev.AuctionID,
		SellerID:      *ev.SellerID,
		Title:         *ev.Title,
		Description:   deref(ev.Description),
		Status:        string(model.StatusOpen),
		StartingPrice: *ev.StartingPrice,
		ReservePrice:  ev.ReservePrice,
		StartTime:     time.UnixMilli(*ev.StartTime),
		EndTime:       time.UnixMilli(*ev.EndTime),
		CreatedAt:     occurred,
		UpdatedAt:     occurred,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"seller_id", "title", "description", "starting_price", "reserve_price",
				"start_time", "end_time", "created_at",
			}),
		}).
		Create(&rec).Error
}

// applyBidPlaced 出价行按 bid id upsert；拍卖行只在 OPEN 且金额高于已记录最高价时更新。
// 成交价严格递增，按序投递时等价于直接覆盖，迟到的重复事件则是 no-op。
func (p *Projector) applyBidPlaced(ctx context.Context, ev queue.AuctionEvent) error {
	if ev.BidID == nil || ev.BidderID == nil || ev.Amount == nil {
		return errors.New("incomplete bid payload")
	}
	occurred := time.UnixMilli(ev.OccurredAt)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bid := model.BidRecord{
			ID:        *ev.BidID,
			AuctionID: ev.AuctionID,
			BidderID:  *ev.BidderID,
			Amount:    *ev.Amount,
			PlacedAt:  occurred,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bid).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&model.AuctionRecord{}).Where("id = ?", ev.AuctionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			logger.Warn("projector drop bid update for unknown auction",
				zap.String("event_id", ev.EventID),
				zap.String("auction_id", ev.AuctionID),
				zap.String("bid_id", *ev.BidID),
			)
			return nil
		}

		return tx.Model(&model.AuctionRecord{}).
			Where("id = ? AND status = ? AND (highest_bid IS NULL OR highest_bid < ?)",
				ev.AuctionID, string(model.StatusOpen), *ev.Amount).
			Updates(map[string]any{
				"highest_bid":       *ev.Amount,
				"highest_bidder_id": *ev.BidderID,
				"updated_at":        occurred,
			}).Error
	})
}

// applyClosed 写入终态与成交信息，流拍时清空最高价。
func (p *Projector) applyClosed(ctx context.Context, ev queue.AuctionEvent) error {
	status := string(model.StatusClosed)
	if ev.Status != nil {
		status = *ev.Status
	}
	updates := map[string]any{
		"status":            status,
		"highest_bid":       nil,
		"highest_bidder_id": nil,
		"updated_at":        time.UnixMilli(ev.OccurredAt),
	}
	if ev.Amount != nil && ev.BidderID != nil {
		updates["highest_bid"] = *ev.Amount
		updates["highest_bidder_id"] = *ev.BidderID
	}

	res := p.db.WithContext(ctx).Model(&model.AuctionRecord{}).Where("id = ?", ev.AuctionID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		logger.Warn("projector drop close for unknown auction",
			zap.String("event_id", ev.EventID),
			zap.String("auction_id", ev.AuctionID),
		)
	}
	return nil
}

// FindAuction 查询持久化的拍卖行。
func (p *Projector) FindAuction(ctx context.Context, auctionID string) (model.AuctionRecord, bool, error) {
	var rec model.AuctionRecord
	err := p.db.WithContext(ctx).Where("id = ?", auctionID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.AuctionRecord{}, false, nil
		}
		return model.AuctionRecord{}, false, err
	}
	return rec, true, nil
}

// ListBids 持久化的出价历史，金额降序。
func (p *Projector) ListBids(ctx context.Context, auctionID string, limit int) ([]model.BidRecord, error) {
	var bids []model.BidRecord
	q := p.db.WithContext(ctx).Where("auction_id = ?", auctionID).Order("amount DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&bids).Error; err != nil {
		return nil, err
	}
	return bids, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
