package model

import "time"

// AuctionRecord 持久化投影中的拍卖行，只由事件投影写入。
// 时间列不走 GORM 自动时间戳，统一取事件里的 occurred_at。
type AuctionRecord struct {
	ID              string    `gorm:"primarykey;size:64" json:"auction_id"`
	SellerID        string    `gorm:"size:64;not null;index" json:"seller_id"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	Description     string    `gorm:"type:text" json:"description"`
	Status          string    `gorm:"size:32;not null;index" json:"status"`
	StartingPrice   int64     `gorm:"not null" json:"starting_price"`
	ReservePrice    *int64    `json:"reserve_price"`
	StartTime       time.Time `gorm:"not null" json:"start_time"`
	EndTime         time.Time `gorm:"not null;index" json:"end_time"`
	HighestBid      *int64    `json:"highest_bid"`
	HighestBidderID *string   `gorm:"size:64" json:"highest_bidder_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (AuctionRecord) TableName() string { return "auctions" }

// BidRecord 持久化投影中的出价行，以 bid id 为主键保证重放幂等。
type BidRecord struct {
	ID        string    `gorm:"primarykey;size:64" json:"bid_id"`
	AuctionID string    `gorm:"size:64;not null;index" json:"auction_id"`
	BidderID  string    `gorm:"size:64;not null;index" json:"bidder_id"`
	Amount    int64     `gorm:"not null" json:"amount"`
	PlacedAt  time.Time `gorm:"not null" json:"placed_at"`
}

func (BidRecord) TableName() string { return "bids" }
