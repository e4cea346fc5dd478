package model

import "time"

// AuctionStatus 拍卖状态机：OPEN → CLOSED / CLOSED_NO_SALE，两个关闭态均为终态。
type AuctionStatus string

const (
	StatusOpen         AuctionStatus = "OPEN"
	StatusClosed       AuctionStatus = "CLOSED"
	StatusClosedNoSale AuctionStatus = "CLOSED_NO_SALE"
)

// Terminal 表示该状态不再接受出价与关闭。
func (s AuctionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusClosedNoSale
}

// MaxAmount 金额上限。Lua 用 double 比较金额、zset 用 double 做 score，超过 2^53-1 会丢精度。
const MaxAmount int64 = 1<<53 - 1

// Auction 是 Redis 中拍卖的实时视图，金额单位为最小货币单位。
type Auction struct {
	ID            string        `json:"auction_id"`
	SellerID      string        `json:"seller_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Status        AuctionStatus `json:"status"`
	StartingPrice int64         `json:"starting_price"`
	ReservePrice  *int64        `json:"reserve_price"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	// HighestBid/HighestBidderID 是最高出价的冗余缓存，只在出价脚本内与 Bid 一起写入。
	HighestBid      *int64    `json:"highest_bid"`
	HighestBidderID *string   `json:"highest_bidder_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Bid 一次被接受的出价，创建后不可变。
type Bid struct {
	ID        string    `json:"bid_id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placed_at"`
}
