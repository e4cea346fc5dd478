package redis

import "fmt"

// AuctionKey 拍卖实时状态 hash。
func AuctionKey(auctionID string) string {
	return fmt.Sprintf("bid_engine:auction:%s", auctionID)
}

// AuctionBidsKey 拍卖的出价排行 zset，member=bid id，score=金额。
func AuctionBidsKey(auctionID string) string {
	return fmt.Sprintf("bid_engine:auction:%s:bids", auctionID)
}

// BidKey 单条出价 hash。
func BidKey(bidID string) string {
	return fmt.Sprintf("bid_engine:bid:%s", bidID)
}

// ScheduleKey 到期调度索引 zset，member=auction id，score=结束时间（毫秒）。
func ScheduleKey() string {
	return "bid_engine:auction:schedule"
}
